package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"moodvoice/internal/service"
)

func (a *app) predictCmd() *cobra.Command {
	var (
		user string
		save bool
	)

	cmd := &cobra.Command{
		Use:   "predict <file>...",
		Short: "Classify audio files (wav, mp3, ogg)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{history: save})
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			var failed int
			for _, path := range args {
				pred, err := predictFile(ctx, rt.predictions, user, path)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					failed++
					continue
				}
				if err := printPrediction(out, path, pred, a.jsonOut); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "cli", "username for saved history records")
	cmd.Flags().BoolVar(&save, "save", false, "store results in the prediction history")
	return cmd
}

func predictFile(ctx context.Context, svc *service.PredictionService, user, path string) (*service.Prediction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return svc.Predict(ctx, user, service.Upload{
		Filename: filepath.Base(path),
		Size:     stat.Size(),
		Body:     f,
	})
}

func printPrediction(w io.Writer, source string, pred *service.Prediction, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(pred)
	}

	fmt.Fprintf(w, "%s: %s (confidence %.3f, %d segments)\n",
		source, pred.OverallClassLabel, pred.OverallConfidence, pred.TotalSegments)

	labels := make([]string, 0, len(pred.AverageProbabilities))
	for l := range pred.AverageProbabilities {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, l := range labels {
		fmt.Fprintf(tw, "  %s\t%.4f\n", l, pred.AverageProbabilities[l])
	}
	if pred.RecordID != "" {
		fmt.Fprintf(tw, "  record\t%s\n", pred.RecordID)
	}
	return tw.Flush()
}
