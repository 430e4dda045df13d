// Package config loads the moniosd configuration file. JSON (with comments)
// and YAML are accepted; relative paths are resolved against the directory
// of the file and secrets can be pulled from environment variables through
// the *_env fields.
package config
