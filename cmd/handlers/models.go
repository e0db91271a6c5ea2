package handlers

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"papersorter/internal/config"
	"papersorter/internal/core"
	"papersorter/internal/predictor"
)

// NewModelsCmd creates the model management command.
func NewModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage trained preference models",
	}

	cmd.AddCommand(newModelsListCmd())
	cmd.AddCommand(newModelsShowCmd())
	cmd.AddCommand(newModelsActivateCmd())
	cmd.AddCommand(newModelsDeactivateCmd())
	cmd.AddCommand(newModelsValidateCmd())
	cmd.AddCommand(newModelsExportCmd())
	cmd.AddCommand(newModelsImportCmd())
	cmd.AddCommand(newModelsDeleteCmd())

	return cmd
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, &codedError{code: exitUsage, err: fmt.Errorf("invalid id %q", arg)}
	}
	return id, nil
}

func newModelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			models, err := st.ListModels(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE\tSCORE NAME\tCREATED")
			for _, m := range models {
				fmt.Fprintf(w, "%d\t%s\t%v\t%s\t%s\n",
					m.ID, m.Name, m.IsActive, m.ScoreName, m.CreatedAt.Format("2006-01-02"))
			}
			return w.Flush()
		},
	}
}

func newModelsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <model-id>",
		Short: "Show model metadata and artifact details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			m, err := st.GetModel(cmd.Context(), id)
			if err != nil {
				return err
			}

			fmt.Printf("ID:         %d\n", m.ID)
			fmt.Printf("Name:       %s\n", m.Name)
			fmt.Printf("Active:     %v\n", m.IsActive)
			fmt.Printf("Score name: %s\n", m.ScoreName)
			fmt.Printf("Created:    %s\n", m.CreatedAt.Format("2006-01-02 15:04"))
			if m.Notes != "" {
				fmt.Printf("Notes:      %s\n", m.Notes)
			}

			modelDir := config.Get().Scoring.ModelDir
			artifact, err := predictor.Load(modelDir, m.ID, 0)
			if err != nil {
				fmt.Printf("Artifact:   unavailable (%v)\n", err)
				return nil
			}
			fmt.Printf("Artifact:   %s, kind %s, dimension %d\n",
				predictor.Path(modelDir, m.ID), artifact.Kind, artifact.Dim)
			return nil
		},
	}
}

func newModelsActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <model-id>",
		Short: "Activate a model for scoring",
		Long: `Activate a model. The artifact is validated against the store's embedding
dimension first; a model trained on different vectors cannot be activated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := predictor.Load(config.Get().Scoring.ModelDir, id, st.Dimension()); err != nil {
				return fmt.Errorf("artifact check failed: %w", err)
			}
			if err := st.SetModelActive(cmd.Context(), id, true); err != nil {
				return err
			}
			_ = st.InsertEvent(cmd.Context(), &core.Event{
				Kind:    core.EventModelActivated,
				Message: fmt.Sprintf("model %d activated", id),
			})
			fmt.Printf("Model %d activated\n", id)
			return nil
		},
	}
}

func newModelsDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <model-id>",
		Short: "Deactivate a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SetModelActive(cmd.Context(), id, false); err != nil {
				return err
			}
			_ = st.InsertEvent(cmd.Context(), &core.Event{
				Kind:    core.EventModelDeactivated,
				Message: fmt.Sprintf("model %d deactivated", id),
			})
			fmt.Printf("Model %d deactivated\n", id)
			return nil
		},
	}
}

func newModelsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <model-id>",
		Short: "Validate a model artifact against the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			artifact, err := predictor.Load(config.Get().Scoring.ModelDir, id, st.Dimension())
			if err != nil {
				return err
			}
			fmt.Printf("Model %d OK: kind %s, dimension %d\n", id, artifact.Kind, artifact.Dim)
			return nil
		},
	}
}

func newModelsExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <model-id> <path>",
		Short: "Copy a model artifact to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			data, err := os.ReadFile(predictor.Path(config.Get().Scoring.ModelDir, id))
			if err != nil {
				return fmt.Errorf("read artifact: %w", err)
			}
			if err := os.WriteFile(args[1], data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Printf("Model %d exported to %s\n", id, args[1])
			return nil
		},
	}
}

func newModelsImportCmd() *cobra.Command {
	var (
		name      string
		scoreName string
		notes     string
	)

	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Register an artifact file as a new model",
		Long: `Validate an artifact file against the store's embedding dimension, create
a model row for it, and install the artifact under the model directory.
The model starts inactive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open artifact: %w", err)
			}
			artifact, err := predictor.Read(f, st.Dimension())
			f.Close()
			if err != nil {
				return err
			}

			m := &core.Model{Name: name, ScoreName: scoreName, Notes: notes}
			if m.ScoreName == "" {
				m.ScoreName = "Score"
			}
			id, err := st.CreateModel(cmd.Context(), m)
			if err != nil {
				return err
			}
			if err := artifact.Save(config.Get().Scoring.ModelDir, id); err != nil {
				return err
			}
			fmt.Printf("Imported model %d (%s), kind %s; activate with: papersorter models activate %d\n",
				id, m.Name, artifact.Kind, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "imported", "model name")
	cmd.Flags().StringVar(&scoreName, "score-name", "Score", "display label for this model's score")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

func newModelsDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <model-id>",
		Short: "Delete a model, its scores, and its artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !yes && !confirm(fmt.Sprintf("Delete model %d, its scores, and dependent channels?", id)) {
				fmt.Println("Aborted")
				return nil
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteModel(cmd.Context(), id); err != nil {
				return err
			}
			path := predictor.Path(config.Get().Scoring.ModelDir, id)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: could not remove artifact %s: %v\n", path, err)
			}
			fmt.Printf("Model %d deleted\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}
