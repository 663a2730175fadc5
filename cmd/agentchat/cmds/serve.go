package cmds

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/agentchat/pkg/config"
	"github.com/go-go-golems/agentchat/pkg/webchat"
)

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API, websocket and /api/ask gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}

			store, err := s.OpenStore()
			if err != nil {
				return errors.Wrap(err, "open store")
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn().Err(err).Msg("close store")
				}
			}()

			bus, err := s.OpenBus(ctx)
			if err != nil {
				return errors.Wrap(err, "open event bus")
			}
			defer func() { _ = bus.Close() }()

			resolver, err := s.Resolver()
			if err != nil {
				return err
			}

			srv, err := webchat.NewServer(ctx, s.ServerConfig(), webchat.Deps{
				Store:    store,
				Bus:      bus,
				Resolver: resolver,
			})
			if err != nil {
				return err
			}
			log.Info().
				Str("store", s.Store).
				Bool("redis", s.Redis.Enabled).
				Bool("agent_stub", s.EmbedAgentStub).
				Msg("agentchat configured")
			return srv.Run(ctx)
		},
	}
}
