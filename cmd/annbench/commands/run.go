package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"annbench/api/benchapi"
	"annbench/internal/bench"
	"annbench/internal/budget"
	"annbench/internal/grid"
	"annbench/internal/report"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultProfile = "default"

// defaultConfig is used when no configuration file exists.
func defaultConfig() benchapi.BenchmarkConfig {
	return benchapi.BenchmarkConfig{
		ConcurrencyGrid: []int{1, 2, 4, 8},
		Repeats:         benchapi.Ptr(3),
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [profile]",
		Short: "Run a benchmark profile (benchmarks.<profile> of the configuration)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// the budget covers everything from here on
			start := time.Now()

			profile := defaultProfile
			if len(args) > 0 {
				profile = args[0]
			}
			cfg, err := loadProfile(profile)
			if err != nil {
				return err
			}
			if err := applyOverrides(&cfg); err != nil {
				return err
			}
			sched := budget.New(bench.BudgetOf(&cfg), budget.WithStart(start))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			res, runErr := bench.Run(ctx, &cfg, bench.Options{
				Name:     profile,
				Budget:   sched,
				Metrics:  bench.NewMetrics(reg),
				Progress: logProgress,
			})
			if res == nil {
				return runErr
			}

			if err := writeOutputs(res, reg); err != nil {
				return errors.Join(runErr, err)
			}
			if err := report.PrintTable(os.Stdout, res); err != nil {
				return errors.Join(runErr, err)
			}
			return runErr
		},
	}

	flags := cmd.Flags()
	flags.String("db", "", "Backend kind (flat, qdrant, weaviate, pgvector)")
	flags.String("address", "", "Backend address")
	flags.String("dataset", "", "Dataset name")
	flags.String("budget", "", "Wall clock budget of the run (duration or seconds)")
	flags.Bool("no-monitor", false, "Disable CPU and I/O probes")
	flags.Bool("sensitivity", false, "Run the knob sensitivity sweep instead of tuning")
	flags.Bool("quick", false, "Use the reduced profile (single level, short trials)")
	flags.Int("limit-n", 0, "Use only the first N corpus vectors")
	flags.Bool("flush-cache", false, "Drop the page cache before each trial")
	flags.String("out", "", "Result file (.json or .json.zst), default results/<run id>.json")
	flags.String("metrics-out", "", "Write a Prometheus metrics snapshot to this file")

	for _, name := range []string{"db", "address", "dataset", "budget", "no-monitor", "sensitivity", "quick", "limit-n", "flush-cache", "out", "metrics-out"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	return cmd
}

func loadProfile(profile string) (benchapi.BenchmarkConfig, error) {
	cfg, err := readConfigFile[benchapi.BenchmarkConfig]("benchmarks." + profile)
	if errors.Is(err, errNoConfig) && profile == defaultProfile {
		log.Info("no configuration file found, using built-in defaults")
		return defaultConfig(), nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read profile %q: %w", profile, err)
	}
	return cfg, nil
}

// applyOverrides applies flags and ANNBENCH_* environment variables.
func applyOverrides(cfg *benchapi.BenchmarkConfig) error {
	if v := viper.GetString("db"); v != "" {
		cfg.Backend.Kind = v
	}
	if v := viper.GetString("address"); v != "" {
		cfg.Backend.Address = v
	}
	if v := viper.GetString("dataset"); v != "" {
		cfg.Dataset.Name = v
	}
	if v := viper.GetString("budget"); v != "" {
		d, err := parseBudget(v)
		if err != nil {
			return benchapi.ConfigErrorOf(fmt.Errorf("invalid budget %q: %w", v, err))
		}
		cfg.WallClockBudget = &d
	}
	if v := viper.GetInt("limit-n"); v > 0 {
		cfg.Dataset.LimitN = benchapi.Ptr(v)
	}
	if viper.GetBool("no-monitor") {
		cfg.Monitor.Disabled = benchapi.Ptr(true)
	}
	if viper.GetBool("flush-cache") {
		cfg.Monitor.FlushCache = benchapi.Ptr(true)
	}
	if viper.GetBool("sensitivity") {
		cfg.Sensitivity.Enabled = benchapi.Ptr(true)
	}
	if viper.GetBool("quick") {
		cfg.Quick()
	}
	return nil
}

// parseBudget accepts durations ("5m") and plain numbers of seconds.
func parseBudget(s string) (benchapi.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return benchapi.Seconds(secs), nil
	}
	d, err := time.ParseDuration(s)
	return benchapi.Duration{Duration: d}, err
}

func logProgress(p grid.Progress) {
	log.WithFields(log.Fields{
		"level":   fmt.Sprintf("%d/%d", p.Level, p.Levels),
		"repeat":  fmt.Sprintf("%d/%d", p.Repeat, p.Repeats),
		"conc":    p.Trial.Concurrency,
		"qps":     fmt.Sprintf("%.1f", p.Trial.QPS()),
		"dropped": p.Trial.Dropped,
		"elapsed": p.Trial.Elapsed.Round(time.Millisecond),
	}).Info("trial finished")
}

func writeOutputs(res *benchapi.RunResult, reg *prometheus.Registry) error {
	out := viper.GetString("out")
	if out == "" {
		out = filepath.Join("results", res.RunID+".json")
	}
	if err := report.Write(out, res); err != nil {
		return err
	}
	log.WithField("path", out).Info("results written")

	if path := viper.GetString("metrics-out"); path != "" {
		if err := report.WriteMetrics(path, reg); err != nil {
			return err
		}
		log.WithField("path", path).Info("metrics snapshot written")
	}
	return nil
}
