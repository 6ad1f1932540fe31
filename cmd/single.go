package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bozylik/taskbound/pool"
	"github.com/bozylik/taskbound/remote"
	"github.com/bozylik/taskbound/task"
)

func newSingleCmd() *cobra.Command {
	var (
		latency       time.Duration
		timeout       time.Duration
		interruptible bool
	)

	c := &cobra.Command{
		Use:   "single",
		Short: "Await one slow call with a deadline",
		Example: `  # 5s call, 1s deadline: times out after about a second
  taskbound single --latency 5s --timeout 1s

  # call that finishes in time
  taskbound single --latency 100ms --timeout 1s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("timeout") {
				timeout = rt.cfg.Task.DefaultTimeout
			}

			opts := []remote.Option{remote.WithDefaultLatency(latency), remote.WithLogger(rt.log)}
			if interruptible {
				opts = append(opts, remote.Interruptible())
			}
			caller := remote.NewSimulated(opts...)

			return withPool(cmd.Context(), func(p *pool.Pool) error {
				id := remote.NewID()
				t, err := task.Submit(p, remote.Work(caller, id))
				if err != nil {
					return err
				}
				if timeout > 0 {
					if _, err := t.WithTimeout(timeout); err != nil {
						return err
					}
				}

				start := time.Now()
				body, err := t.AwaitContext(cmd.Context())
				elapsed := time.Since(start)

				rt.log.Info("single call settled",
					zap.String("task_id", t.ID()),
					zap.String("call_id", id),
					zap.Stringer("state", t.State()),
					zap.Duration("elapsed", elapsed),
				)

				out := cmd.OutOrStdout()
				if err != nil {
					fmt.Fprintf(out, "%s after %s: %v\n", task.KindOf(err), elapsed.Round(time.Millisecond), err)
					return nil
				}
				fmt.Fprintf(out, "ok after %s: %s\n", elapsed.Round(time.Millisecond), body)
				return nil
			})
		},
	}

	c.Flags().DurationVarP(&latency, "latency", "l", 5*time.Second, "simulated call latency")
	c.Flags().DurationVarP(&timeout, "timeout", "t", 0, "task deadline (defaults to task.default_timeout)")
	c.Flags().BoolVar(&interruptible, "interruptible", false, "let the simulated call stop when its context ends")
	return c
}
