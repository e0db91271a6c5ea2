package handlers

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"papersorter/internal/core"
)

// NewSourcesCmd creates the feed source management command.
func NewSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage RSS/Atom feed sources",
	}

	cmd.AddCommand(newSourcesAddCmd())
	cmd.AddCommand(newSourcesListCmd())
	cmd.AddCommand(newSourcesEnableCmd())
	cmd.AddCommand(newSourcesDisableCmd())

	return cmd
}

func newSourcesAddCmd() *cobra.Command {
	var (
		name     string
		feedType string
		username string
		password string
	)

	cmd := &cobra.Command{
		Use:   "add <feed-url>",
		Short: "Add a feed source",
		Long: `Add a feed source for polling.

Examples:
  papersorter sources add https://rss.arxiv.org/rss/cs.LG --name "arXiv cs.LG"
  papersorter sources add https://connect.biorxiv.org/biorxiv_xml.php?subject=neuroscience --name bioRxiv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			src := &core.FeedSource{
				Name:     name,
				URL:      args[0],
				Type:     feedType,
				IsActive: true,
				Username: username,
				Password: password,
			}
			if src.Name == "" {
				src.Name = args[0]
			}
			id, err := st.CreateFeedSource(cmd.Context(), src)
			if err != nil {
				return err
			}
			fmt.Printf("Source %d (%s) created\n", id, src.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the URL)")
	cmd.Flags().StringVar(&feedType, "type", "rss", `feed type: "rss" or "atom"`)
	cmd.Flags().StringVar(&username, "username", "", "basic-auth username")
	cmd.Flags().StringVar(&password, "password", "", "basic-auth password")

	return cmd
}

func newSourcesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all feed sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			sources, err := st.ListFeedSources(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE\tLAST CHECKED\tURL")
			for _, s := range sources {
				checked := "never"
				if s.LastChecked != nil {
					checked = s.LastChecked.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%d\t%s\t%v\t%s\t%s\n", s.ID, s.Name, s.IsActive, checked, s.URL)
			}
			return w.Flush()
		},
	}
}

func newSourcesEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <source-id>",
		Short: "Enable a feed source",
		Args:  cobra.ExactArgs(1),
		RunE:  setSourceActive(true),
	}
}

func newSourcesDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <source-id>",
		Short: "Disable a feed source",
		Args:  cobra.ExactArgs(1),
		RunE:  setSourceActive(false),
	}
}

func setSourceActive(active bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetFeedSourceActive(cmd.Context(), id, active); err != nil {
			return err
		}
		state := "disabled"
		if active {
			state = "enabled"
		}
		fmt.Printf("Source %d %s\n", id, state)
		return nil
	}
}
