package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"Monios-Control/internal/continuity"
	"Monios-Control/internal/storage/mysql"
)

func newLedgerCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "查看或清理续接令牌账本",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "输出所有租户的续接令牌",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ledger, err := openLedger(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer ledger.Close()

			snapshot := ledger.Snapshot()
			records := make([]continuity.Record, 0, len(snapshot))
			for _, rec := range snapshot {
				records = append(records, rec)
			}
			sort.Slice(records, func(i, j int) bool { return records[i].TenantID < records[j].TenantID })
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <tenant>",
		Short: "删除某个租户的续接令牌",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ledger, err := openLedger(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer ledger.Close()

			existed, err := ledger.Clear(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "tenant=%s existed=%t\n", args[0], existed)
			return err
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "对 MySQL 账本执行建表迁移",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Continuity.Driver != "mysql" {
				return fmt.Errorf("continuity.driver 为 %s，无需迁移", cfg.Continuity.Driver)
			}
			db, err := mysql.Open(cmd.Context(), mysql.Config{DSN: cfg.Continuity.MySQL.DSN})
			if err != nil {
				return err
			}
			defer db.Close()
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return err
		},
	}

	cmd.AddCommand(showCmd, clearCmd, migrateCmd)
	return cmd
}
