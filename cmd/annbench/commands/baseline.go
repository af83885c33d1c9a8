package commands

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"annbench/internal/sampler"

	"github.com/spf13/cobra"
)

func baselineCmd() *cobra.Command {
	var (
		dir     string
		runtime int
	)

	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Measure the disk baseline with fio and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			results, err := sampler.RunFIOBaseline(ctx, dir, time.Duration(runtime)*time.Second)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", os.TempDir(), "Directory to create the fio test file in")
	cmd.Flags().IntVar(&runtime, "runtime", 10, "Runtime of each fio job in seconds")
	return cmd
}
