package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"Monios-Control/internal/rollout"
	"Monios-Control/internal/sandbox"
)

func newArtifactCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "计算或发布代码产物",
	}

	digestCmd := &cobra.Command{
		Use:   "digest [dir]",
		Short: "计算目录的产物版本",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := artifactDir(load, args)
			if err != nil {
				return err
			}
			artifact, err := sandbox.LoadArtifact(dir)
			if err != nil {
				return err
			}
			return printJSON(cmd, artifact)
		},
	}

	publishCmd := &cobra.Command{
		Use:   "publish [dir]",
		Short: "把目录作为新产物投递到发布队列",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			dir := cfg.Sandbox.ArtifactDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return errNoArtifactDir
			}
			if cfg.Rollout.Driver == "memory" {
				// 内存队列只在 serve 进程内可见。
				return errMemoryRollout
			}
			queue, err := newRolloutQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer queue.Close()

			notice, err := rollout.Publish(cmd.Context(), queue, dir)
			if err != nil {
				return err
			}
			return printJSON(cmd, notice)
		},
	}

	cmd.AddCommand(digestCmd, publishCmd)
	return cmd
}

func artifactDir(load configLoader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := load()
	if err != nil {
		return "", err
	}
	if cfg.Sandbox.ArtifactDir == "" {
		return "", errNoArtifactDir
	}
	return cfg.Sandbox.ArtifactDir, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
