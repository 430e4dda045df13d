// Package mysql opens MySQL connection pools and applies the embedded schema
// migrations from deploy/migrations. Repositories that persist control-plane
// state build on the *sql.DB it returns.
package mysql
