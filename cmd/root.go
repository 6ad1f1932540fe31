// Package cmd implements the taskbound command line, which runs the
// deadline scenarios against a real worker pool and the simulated remote.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bozylik/taskbound/config"
	"github.com/bozylik/taskbound/logger"
	"github.com/bozylik/taskbound/metrics"
	"github.com/bozylik/taskbound/pool"
)

const Version = "0.1.0"

var (
	cfgFile        string
	debug          bool
	workers        int
	forceInterrupt bool
	showMetrics    bool
)

// runtime is what every subcommand gets after config and logging are set up.
type runtime struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

var rt *runtime

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskbound",
		Short: "Run deadline-bounded tasks on a worker pool",
		Long: `taskbound submits simulated slow remote calls to a fixed-size worker pool
and waits on them with a deadline, either one at a time or joined as a group.

A timed-out call releases its waiter at the deadline but keeps its worker
until the call returns, unless --force-interrupt is set and the call can be
interrupted.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rt != nil && rt.registry != nil {
				printMetrics(cmd, rt.registry)
			}
			if rt != nil {
				_ = rt.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "worker pool size (overrides config)")
	root.PersistentFlags().BoolVar(&forceInterrupt, "force-interrupt", false, "cancel the work of timed-out tasks")
	root.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "collect metrics and print them on exit")

	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newSingleCmd(), newJoinCmd())
	return root
}

// Execute runs the root command. SIGINT or SIGTERM cancels the command
// context, which releases any waiter.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) error {
	cfg, err := config.NewLoader().WithConfigPath(cfgFile).Load()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("workers") {
		cfg.Pool.Workers = workers
	}
	if cmd.Flags().Changed("force-interrupt") {
		cfg.Pool.ForceInterrupt = forceInterrupt
	}
	if cmd.Flags().Changed("metrics") {
		cfg.Metrics.Enabled = showMetrics
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rt = &runtime{
		cfg: cfg,
		log: logger.New(&cfg.Logging),
	}
	if cfg.Metrics.Enabled {
		rt.registry = prometheus.NewRegistry()
		rt.metrics = metrics.New(rt.registry)
	}
	return nil
}

// withPool runs fn against a pool that is shut down when fn returns,
// bounded by the configured shutdown timeout.
func withPool(ctx context.Context, fn func(*pool.Pool) error) error {
	shutdownCtx := ctx
	if rt.cfg.Pool.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Pool.ShutdownTimeout)
		defer cancel()
	}

	return pool.Scoped(shutdownCtx, rt.cfg.PoolSettings(), fn,
		pool.WithLogger(rt.log),
		pool.WithMetrics(rt.metrics),
	)
}

func printMetrics(cmd *cobra.Command, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		rt.log.Warn("gather metrics", zap.Error(err))
		return
	}

	var lines []string
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			name := fam.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}

			switch {
			case m.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", name, m.GetCounter().GetValue()))
			case m.GetGauge() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", name, m.GetGauge().GetValue()))
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				lines = append(lines, fmt.Sprintf("%s count=%d sum=%.3fs", name, h.GetSampleCount(), h.GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "metrics:")
	for _, l := range lines {
		fmt.Fprintln(out, "  "+l)
	}
}
