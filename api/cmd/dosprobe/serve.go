package dosprobe

import (
	"context"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dosprobe/dosprobe/api/pkg/config"
	"github.com/dosprobe/dosprobe/api/pkg/server"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

func NewServeCmd() *cobra.Command {
	var initialBackend string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dosprobe control-plane server.",
		Long:  "Start the dosprobe control-plane server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := serve(cmd.Context(), initialBackend)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to run server")
			}
			return nil
		},
	}
	serveCmd.Flags().StringVar(&initialBackend, "backend", "", "backend to seat at startup (qemu|dosbox); empty starts with none")

	return serveCmd
}

func serve(ctx context.Context, initialBackend string) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}

	// Main goroutine waits until killed with ctrl+c.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	factory := server.NewFactory(cfg)
	srv := server.NewServer(cfg, factory)

	if initialBackend != "" {
		kind, err := types.ParseBackendKind(initialBackend)
		if err != nil {
			return err
		}
		b, err := factory(kind)
		if err != nil {
			return err
		}
		srv.Seat(ctx, b)
		log.Info().Str("backend", initialBackend).Msg("backend seated at startup")
	}

	return srv.ListenAndServe(ctx)
}
