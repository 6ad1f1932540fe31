package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bozylik/taskbound/combinator"
	"github.com/bozylik/taskbound/pool"
	"github.com/bozylik/taskbound/remote"
	"github.com/bozylik/taskbound/task"
)

func newJoinCmd() *cobra.Command {
	var (
		count         int
		slow          int
		latency       time.Duration
		timeout       time.Duration
		interruptible bool
	)

	c := &cobra.Command{
		Use:   "join",
		Short: "Join several calls under one group deadline",
		Example: `  # 4 immediate calls and 1 taking 5s, joined under 1s: times out
  taskbound join --count 5 --slow 1 --latency 5s --timeout 1s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be greater than 0")
			}
			if slow < 0 || slow > count {
				return fmt.Errorf("--slow must be between 0 and --count")
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = rt.cfg.Task.JoinTimeout
			}
			if timeout <= 0 {
				return fmt.Errorf("a join needs a positive --timeout")
			}

			ids := make([]string, count)
			opts := []remote.Option{remote.WithLogger(rt.log)}
			for i := range ids {
				ids[i] = remote.NewID()
				// Put the slow calls in the middle of the batch.
				if i >= (count-slow)/2 && i < (count-slow)/2+slow {
					opts = append(opts, remote.WithLatency(ids[i], latency))
				}
			}
			if interruptible {
				opts = append(opts, remote.Interruptible())
			}
			caller := remote.NewSimulated(opts...)

			return withPool(cmd.Context(), func(p *pool.Pool) error {
				tasks, err := remote.SubmitAll(p, caller, ids)
				if err != nil {
					return err
				}

				start := time.Now()
				values, err := combinator.JoinAllContext(cmd.Context(), tasks, timeout, combinator.WithMetrics(rt.metrics))
				elapsed := time.Since(start)

				out := cmd.OutOrStdout()
				for i, t := range tasks {
					rt.log.Debug("join child", zap.Int("index", i), zap.String("call_id", ids[i]), zap.Stringer("state", t.State()))
				}
				rt.log.Info("join settled", zap.Int("tasks", len(tasks)), zap.Duration("elapsed", elapsed), zap.Error(err))

				if err != nil {
					fmt.Fprintf(out, "%s after %s: %v\n", task.KindOf(err), elapsed.Round(time.Millisecond), err)
					return nil
				}
				fmt.Fprintf(out, "ok after %s: %d results\n", elapsed.Round(time.Millisecond), len(values))
				return nil
			})
		},
	}

	c.Flags().IntVarP(&count, "count", "n", 5, "number of calls")
	c.Flags().IntVar(&slow, "slow", 1, "how many of the calls are slow")
	c.Flags().DurationVarP(&latency, "latency", "l", 5*time.Second, "latency of the slow calls")
	c.Flags().DurationVarP(&timeout, "timeout", "t", 0, "group deadline (defaults to task.join_timeout)")
	c.Flags().BoolVar(&interruptible, "interruptible", false, "let the simulated calls stop when their context ends")
	return c
}
