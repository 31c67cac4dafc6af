package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/victornm/echallenge/internal/server"
	"github.com/victornm/echallenge/internal/telemetry"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the gRPC health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			l, err := telemetry.NewLogger(os.Stderr, c.Log.Level, c.Log.Format)
			if err != nil {
				return err
			}
			slog.SetDefault(l)

			s, err := server.Init(c)
			if err != nil {
				return err
			}

			errc := make(chan error, 1)
			go func() { errc <- s.Start() }()

			select {
			case err = <-errc:
			case <-cmd.Context().Done():
				slog.Info("server: shutting down")
			}

			s.Shutdown()
			return err
		},
	}
}
