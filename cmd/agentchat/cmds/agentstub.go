package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/agentchat/pkg/agentstub"
)

func NewAgentStubCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "agent-stub",
		Short: "Run an echo query service on --listen for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mux := http.NewServeMux()
			agentstub.New(nil).Mount(mux)
			srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				<-egCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			eg.Go(func() error {
				log.Info().Str("addr", listen).Msg("agent stub listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8000", "Listen address")
	return cmd
}
