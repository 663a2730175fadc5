package cmds

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewKeysCommand() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage a user's stored API keys",
	}
	cmd.PersistentFlags().StringVar(&user, "user", os.Getenv("USER"), "Owner id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List keys (tokens are masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			keys, err := store.ListAPIKeys(cmd.Context(), user)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTOKEN")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\t%s\n", k.ID, k.Name, maskToken(k.Token))
			}
			return w.Flush()
		},
	}

	add := &cobra.Command{
		Use:   "add <name> <token>",
		Short: "Store a new key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rec, err := store.InsertAPIKey(cmd.Context(), user, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
			return nil
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			return store.RenameAPIKey(cmd.Context(), user, args[0], args[1])
		},
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			return store.DeleteAPIKey(cmd.Context(), user, args[0])
		},
	}

	cmd.AddCommand(list, add, rename, rm)
	return cmd
}

func maskToken(tok string) string {
	if len(tok) <= 4 {
		return "****"
	}
	return "****" + tok[len(tok)-4:]
}
