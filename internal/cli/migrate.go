package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/victornm/echallenge/internal/content"
	"github.com/victornm/echallenge/internal/server"
	"github.com/victornm/echallenge/internal/store/postgres"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return postgres.Migrate(dsn(c))
		},
	}
}

func newSeedCmd(configPath *string) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert questions from a JSON file into Postgres",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			qs, err := content.ReadQuestionsFile(file)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			db, err := pgxpool.New(ctx, dsn(c))
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer db.Close()

			if err := postgres.NewContentSource(db).SaveQuestions(ctx, qs...); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d questions\n", len(qs))
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "JSON array of questions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func dsn(c server.Config) string {
	return postgres.DSN(c.Postgres.Addr, c.Postgres.User, c.Postgres.Pass, c.Postgres.Name)
}
