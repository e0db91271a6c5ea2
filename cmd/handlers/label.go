package handlers

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"papersorter/internal/core"
	"papersorter/internal/prefs"
)

// NewLabelCmd creates the preference labeling command.
func NewLabelCmd() *cobra.Command {
	var (
		username string
		source   string
	)

	cmd := &cobra.Command{
		Use:   "label <article-id> {up|down}",
		Short: "Record a preference label on an article",
		Long: `Record a binary preference for training. "up" marks the article
interesting, "down" marks it not. Labels are append-only; the newest label
per (article, user) wins.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			articleID, err := parseID(args[0])
			if err != nil {
				return err
			}
			var positive bool
			switch args[1] {
			case "up":
				positive = true
			case "down":
				positive = false
			default:
				return &codedError{code: exitUsage, err: fmt.Errorf("expected \"up\" or \"down\", got %q", args[1])}
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			user, err := st.GetUserByName(cmd.Context(), username)
			if err != nil {
				return err
			}

			if err := prefs.NewService(st).Label(cmd.Context(), articleID, user.ID, positive, source); err != nil {
				return err
			}
			fmt.Printf("Labeled article %d %s for %s\n", articleID, args[1], username)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "user", "admin", "username recording the label")
	cmd.Flags().StringVar(&source, "source", core.SourceStar, "label source: star, interactive, or alert-feedback")

	return cmd
}

// NewSimilarCmd creates the vector similarity search command.
func NewSimilarCmd() *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "similar <article-id>",
		Short: "Find articles similar to a stored one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			articleID, err := parseID(args[0])
			if err != nil {
				return err
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			vec, err := st.GetEmbedding(cmd.Context(), articleID)
			if err != nil {
				return err
			}
			if vec == nil {
				return fmt.Errorf("article %d has no embedding yet", articleID)
			}

			// k+1 because the article itself comes back at distance zero.
			similar, err := st.SimilarArticles(cmd.Context(), vec, k+1, nil)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDISTANCE\tPUBLISHED\tTITLE")
			for _, sa := range similar {
				if sa.Article.ID == articleID {
					continue
				}
				fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n",
					sa.Article.ID, sa.Distance,
					sa.Article.Published.Format("2006-01-02"), sa.Article.Title)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&k, "count", "k", 10, "number of similar articles to return")
	return cmd
}

// NewEventsCmd creates the event log command.
func NewEventsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent pipeline events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := st.RecentEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					e.CreatedAt.Format("2006-01-02 15:04"), e.Kind, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "number of events to show")
	return cmd
}
