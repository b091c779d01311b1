package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"moodvoice/audio"
)

func (a *app) recordCmd() *cobra.Command {
	var (
		duration    time.Duration
		device      string
		listDevices bool
		user        string
		save        bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record from the microphone and classify",
		Long: `Record speech from an input device and classify it.

Examples:
  moodvoice record --list-devices
  moodvoice record --duration 20s --device "USB Microphone"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			recorder, err := audio.NewRecorder(cfg.Audio.SampleRate, logger)
			if err != nil {
				return err
			}
			defer recorder.Close()

			out := cmd.OutOrStdout()
			if listDevices {
				devices, err := recorder.ListDevices()
				if err != nil {
					return err
				}
				for _, d := range devices {
					fmt.Fprintf(out, "%s\t%s\n", d.ID, d.Name)
				}
				return nil
			}

			if duration <= 0 {
				return fmt.Errorf("duration must be positive, got %s", duration)
			}
			if device != "" {
				if err := recorder.SelectDevice(device); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{history: save})
			if err != nil {
				return err
			}
			defer rt.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "Recording %s, press Ctrl+C to stop early...\n", duration)
			waveform, err := recorder.Record(ctx, duration)
			if err != nil {
				return err
			}
			stop()

			for _, w := range audio.AnalyzeQuality(waveform.Samples, waveform.SampleRate).Warnings() {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}

			pred, err := rt.predictions.PredictWaveform(context.Background(), user, waveform)
			if err != nil {
				return err
			}
			return printPrediction(out, "recording", pred, a.jsonOut)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "recording length")
	cmd.Flags().StringVar(&device, "device", "", "input device id or name substring")
	cmd.Flags().BoolVar(&listDevices, "list-devices", false, "list input devices and exit")
	cmd.Flags().StringVar(&user, "user", "cli", "username for saved history records")
	cmd.Flags().BoolVar(&save, "save", false, "store the result in the prediction history")
	return cmd
}
