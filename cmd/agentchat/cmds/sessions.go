package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/agentchat/pkg/config"
	"github.com/go-go-golems/agentchat/pkg/persistence/chatstore"
)

func NewSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored chat sessions",
	}
	cmd.AddCommand(newSessionsListCommand(), newSessionsExportCommand())
	return cmd
}

func openStore(cmd *cobra.Command) (chatstore.Store, error) {
	s, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	store, err := s.OpenStore()
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	return store, nil
}

func newSessionsListCommand() *cobra.Command {
	var user string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sessions, err := store.ListSessions(cmd.Context(), user, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tTITLE")
			for _, sess := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\n", sess.ID, sess.CreatedAt.Local().Format("2006-01-02 15:04:05"), sess.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "Owner id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum sessions to list (0 = all)")
	return cmd
}

// SessionExport is one session with its transcript.
type SessionExport struct {
	Session  chatstore.SessionRecord   `json:"session" yaml:"session"`
	Messages []chatstore.MessageRecord `json:"messages" yaml:"messages"`
}

func newSessionsExportCommand() *cobra.Command {
	var user, format string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Print a session and its messages as JSON or YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()
			sess, err := store.GetSession(ctx, user, args[0])
			if err != nil {
				return errors.Wrapf(err, "session %s", args[0])
			}
			msgs, err := store.ListMessages(ctx, user, sess.ID)
			if err != nil {
				return err
			}
			return writeExport(cmd.OutOrStdout(), format, SessionExport{Session: sess, Messages: msgs})
		},
	}
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "Owner id")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml or json")
	return cmd
}

func writeExport(w io.Writer, format string, v SessionExport) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return errors.Errorf("unknown format %q", format)
	}
}
