package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"moodvoice/internal/config"
	"moodvoice/models"
)

func (a *app) modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage classifier model artifacts",
	}
	cmd.AddCommand(
		a.modelsListCmd(),
		a.modelsDownloadCmd(),
		a.modelsVerifyCmd(),
		a.modelsDeleteCmd(),
	)
	return cmd
}

// openModels loads config and builds a manager without loading a classifier
func (a *app) openModels(cmd *cobra.Command) (*models.Manager, *config.Config, *zap.Logger, error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	mgr, err := newModelManager(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return mgr, cfg, logger, nil
}

func (a *app) modelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known models and their local state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := a.openModels(cmd)
			if err != nil {
				return err
			}
			states := mgr.GetAllModelsState()

			out := cmd.OutOrStdout()
			if a.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(states)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tBACKEND\tSTATUS\tSIZE\tFILE")
			for _, s := range states {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Backend, s.Status, s.Size, s.Filename)
			}
			return tw.Flush()
		},
	}
}

func (a *app) modelsDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download [model-id]",
		Short: "Download a model artifact and verify its checksum",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cfg, _, err := a.openModels(cmd)
			if err != nil {
				return err
			}
			id := cfg.Model.ID
			if len(args) > 0 {
				id = args[0]
			}

			errOut := cmd.ErrOrStderr()
			last := -10.0
			mgr.SetProgressCallback(func(modelID string, progress float64, status models.ModelStatus, err error) {
				if status == models.ModelStatusDownloading && progress-last < 10 {
					return
				}
				last = progress
				fmt.Fprintf(errOut, "%s: %s %.0f%%\n", modelID, status, progress)
			})

			if err := mgr.DownloadModel(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), mgr.GetModelPath(id))
			return nil
		},
	}
}

func (a *app) modelsVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [model-id]",
		Short: "Check a downloaded artifact against its size and SHA-256",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cfg, _, err := a.openModels(cmd)
			if err != nil {
				return err
			}
			id := cfg.Model.ID
			if len(args) > 0 {
				id = args[0]
			}
			if err := mgr.Verify(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", id)
			return nil
		},
	}
}

func (a *app) modelsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model-id>",
		Short: "Delete a downloaded artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := a.openModels(cmd)
			if err != nil {
				return err
			}
			return mgr.DeleteModel(args[0])
		},
	}
}
