package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd(load configLoader) *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <tenant>",
		Short: "为租户签发访问令牌",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			verifier, err := newVerifier(cfg)
			if err != nil {
				return err
			}
			if verifier == nil {
				return errors.New("auth.jwt_secret 未配置，认证已关闭")
			}
			token, err := verifier.Issue(args[0], email, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "写入令牌的邮箱")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "令牌有效期")
	return cmd
}
