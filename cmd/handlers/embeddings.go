package handlers

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// NewEmbeddingsCmd creates the embeddings management command.
func NewEmbeddingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embeddings",
		Short: "Inspect and maintain stored embedding vectors",
	}

	cmd.AddCommand(newEmbeddingsStatusCmd())
	cmd.AddCommand(newEmbeddingsClearCmd())
	cmd.AddCommand(newEmbeddingsResetCmd())
	cmd.AddCommand(newEmbeddingsIndexCmd())

	return cmd
}

func newEmbeddingsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show embedding coverage and index state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := st.GetEmbeddingStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Articles:   %d\n", status.Articles)
			fmt.Printf("Embedded:   %d\n", status.Embedded)
			fmt.Printf("Missing:    %d\n", status.Missing)
			fmt.Printf("Dimension:  %d\n", status.Dimension)
			fmt.Printf("HNSW index: %v\n", status.HasIndex)
			return nil
		},
	}
}

func newEmbeddingsClearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all stored vectors and predicted scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm("Delete ALL embeddings and predicted scores?") {
				fmt.Println("Aborted")
				return nil
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.ClearEmbeddings(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Embeddings cleared; articles will be re-embedded on the next update")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func newEmbeddingsResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and recreate the embeddings table for the configured dimension",
		Long: `Drop the embeddings table and recreate it with the dimension from
embedding_api.dimensions. Required after switching to an embedding model
with a different vector size. All vectors and scores are lost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm("Rebuild the embeddings table? All vectors and scores are lost.") {
				fmt.Println("Aborted")
				return nil
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.ResetEmbeddings(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Embeddings table rebuilt for dimension %d\n", st.Dimension())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func newEmbeddingsIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index {on|off}",
		Short: "Create or drop the HNSW similarity index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			switch args[0] {
			case "on":
				if err := st.CreateVectorIndex(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("HNSW index created")
			case "off":
				if err := st.DropVectorIndex(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("HNSW index dropped")
			default:
				return &codedError{code: exitUsage, err: fmt.Errorf("expected \"on\" or \"off\", got %q", args[0])}
			}
			return nil
		},
	}
}

// confirm prompts on stdin for a yes/no answer.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
