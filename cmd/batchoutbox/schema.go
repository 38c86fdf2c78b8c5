package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/velmie/batchoutbox/internal/config"
	"github.com/velmie/batchoutbox/mysql"
)

func newSchemaCmd(flags *globalFlags) *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print or apply the MySQL schema",
		Long:  "schema prints the CREATE TABLE statements for the configured table prefix. With --apply it executes them against store.dsn.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			stmts, err := mysql.Schema(cfg.Store.TablePrefix)
			if err != nil {
				return err
			}
			if !apply {
				return printSchema(cmd.OutOrStdout(), stmts)
			}
			if cfg.Store.Driver != config.StoreMySQL {
				return fmt.Errorf("schema --apply requires store.driver=mysql, got %q", cfg.Store.Driver)
			}
			if err := applySchema(cmd.Context(), cfg.Store.DSN, stmts); err != nil {
				return err
			}
			logger.Info("batchoutbox schema applied", "prefix", cfg.Store.TablePrefix, "statements", len(stmts))

			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "execute the statements instead of printing them")

	return cmd
}

func printSchema(w io.Writer, stmts []string) error {
	_, err := fmt.Fprintln(w, strings.Join(stmts, "\n\n"))

	return err
}

func applySchema(ctx context.Context, dsn string, stmts []string) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer db.Close()

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}
