package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/agentchat/pkg/agentclient"
	"github.com/go-go-golems/agentchat/pkg/chat"
	"github.com/go-go-golems/agentchat/pkg/config"
	"github.com/go-go-golems/agentchat/pkg/identity"
	"github.com/go-go-golems/agentchat/pkg/webchat"
)

func NewChatCommand() *cobra.Command {
	var user string
	var direct bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat from the terminal as --user",
		Long: `Chat from the terminal. Lines are sent to the agent; lines starting with
a slash are commands: /new, /sessions, /switch <id>, /rename <title>,
/delete <id>, /history, /quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			store, err := s.OpenStore()
			if err != nil {
				return errors.Wrap(err, "open store")
			}
			defer func() { _ = store.Close() }()

			url := s.GatewayURL
			if direct {
				url = s.AgentURL
			} else if strings.TrimSpace(url) == "" {
				url = webchat.SelfURL(s.Addr, "/api/ask")
			}
			agent, err := agentclient.New(url, agentclient.WithTimeout(s.AgentTimeout))
			if err != nil {
				return err
			}
			capability, err := identity.NewCapability(identity.Principal{UserID: user}, store, agent)
			if err != nil {
				return err
			}
			client, err := chat.NewClient(capability, chat.Options{Welcome: s.Welcome})
			if err != nil {
				return err
			}
			defer client.Close()

			return newREPL(client, cmd.OutOrStdout()).run(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "Owner id to chat as")
	cmd.Flags().BoolVar(&direct, "direct", false, "Query --agent-url directly instead of the gateway")
	return cmd
}

type repl struct {
	client *chat.Client
	out    io.Writer
}

func newREPL(client *chat.Client, out io.Writer) *repl {
	return &repl{client: client, out: out}
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	snap, err := r.client.Bootstrap(ctx)
	if err != nil {
		return err
	}
	r.printHistory(snap)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		res, err := r.client.Send(ctx, line)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			continue
		}
		if res != nil {
			fmt.Fprintf(r.out, "ai: %s\n", res.Reply.Content)
		}
	}
}

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	lc := r.client.Lifecycle
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		snap, err := lc.NewSession(ctx)
		if err != nil {
			return false, err
		}
		r.printHistory(snap)
	case "/sessions":
		sessions, err := lc.ListSessions(ctx)
		if err != nil {
			return false, err
		}
		current := r.client.State().SessionID()
		for _, sess := range sessions {
			marker := " "
			if sess.ID == current {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s  %s  %s\n", marker, sess.ID, sess.CreatedAt.Local().Format("2006-01-02 15:04"), sess.Title)
		}
	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch <session-id>")
		}
		snap, err := lc.SwitchSession(ctx, arg)
		if err != nil {
			return false, err
		}
		r.printHistory(snap)
	case "/rename":
		if arg == "" {
			return false, errors.New("usage: /rename <title>")
		}
		return false, lc.RenameSession(ctx, r.client.State().SessionID(), arg)
	case "/delete":
		if arg == "" {
			return false, errors.New("usage: /delete <session-id>")
		}
		snap, err := lc.DeleteSession(ctx, arg)
		if err != nil {
			return false, err
		}
		if snap.SessionID != arg {
			fmt.Fprintf(r.out, "deleted %s\n", arg)
		}
	case "/history":
		r.printHistory(r.client.Snapshot())
	default:
		return false, errors.Errorf("unknown command %s", name)
	}
	return false, nil
}

func (r *repl) printHistory(snap chat.Snapshot) {
	fmt.Fprintf(r.out, "-- session %s --\n", snap.SessionID)
	for _, e := range snap.Entries {
		fmt.Fprintf(r.out, "%s: %s\n", e.Sender, e.Content)
	}
}
