package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/agentchat/cmd/agentchat/cmds"
	"github.com/go-go-golems/agentchat/pkg/config"
	"github.com/go-go-golems/agentchat/pkg/logging"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "agentchat",
		Short:         "agentchat serves a chat UI backend in front of an agent query service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger now that --log-level and co are parsed
			s, err := logging.SettingsFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			return logging.Init(s)
		},
	}
	config.AddFlags(rootCmd.PersistentFlags())
	logging.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		cmds.NewServeCommand(),
		cmds.NewChatCommand(),
		cmds.NewSessionsCommand(),
		cmds.NewKeysCommand(),
		cmds.NewAgentStubCommand(),
	)
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
