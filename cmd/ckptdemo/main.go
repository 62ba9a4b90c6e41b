// Command ckptdemo is a sample checkpointable worker.
//
// It runs a fixed number of steps, each doing some CPU work on every worker
// goroutine followed by a pause, and prints one line per worker per step.
// The pause leaves time to take a checkpoint mid-run. With --state it keeps
// its progress in a file so a restarted run continues where the last saved
// step left off.
//
// MAX_STEPS and SLEEP_MS set the step count and the pause when the flags
// are not given.
//
//	ckptdemo -s 120 -w 50 --sleep-ms 2000 -F state.json
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/ckptctl/pkg/progress"
)

const (
	defaultSteps   = 120
	defaultSleepMS = 1000
)

var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:           "ckptdemo",
	Short:         "Sample worker for checkpoint/restart runs",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.IntP("steps", "s", defaultSteps, "Total steps to run (env MAX_STEPS)")
	f.IntP("work-ms", "w", 25, "Busy work per step per worker in ms")
	f.Int("sleep-ms", defaultSleepMS, "Pause after each step in ms (env SLEEP_MS)")
	f.IntP("workers", "t", runtime.GOMAXPROCS(0), "Worker goroutines")
	f.StringP("state", "F", "", "State file recording progress")

	_ = settings.BindPFlags(f)
	_ = settings.BindEnv("steps", "MAX_STEPS")
	_ = settings.BindEnv("sleep-ms", "SLEEP_MS")
}

// demoConfig is the resolved run configuration.
type demoConfig struct {
	Steps     int
	Work      time.Duration
	Sleep     time.Duration
	Workers   int
	StateFile string
}

func loadConfig(v *viper.Viper) demoConfig {
	return demoConfig{
		Steps:     max(v.GetInt("steps"), 1),
		Work:      time.Duration(max(v.GetInt("work-ms"), 0)) * time.Millisecond,
		Sleep:     time.Duration(max(v.GetInt("sleep-ms"), 0)) * time.Millisecond,
		Workers:   max(v.GetInt("workers"), 1),
		StateFile: v.GetString("state"),
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ckptdemo: %v\n", err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg := loadConfig(settings)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, _ := os.Hostname()
	state := progress.State{Total: cfg.Steps, Workers: cfg.Workers}
	if cfg.StateFile != "" {
		st, resumed, err := progress.Resume(cfg.StateFile, cfg.Steps, time.Now())
		if err != nil {
			return err
		}
		state = st
		state.Workers = cfg.Workers
		if resumed {
			fmt.Printf("[ckptdemo] resumed at step=%d counter=%d restarts=%d\n", state.Step, state.Counter, state.Restarts)
		}
	}
	state.Host = host
	state.PID = os.Getpid()

	fmt.Printf("[ckptdemo] PID=%d | workers=%d | steps=%d | sleep=%s | host=%s\n",
		os.Getpid(), cfg.Workers, state.Total, cfg.Sleep, host)

	for !state.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := state.Step
		g, gctx := errgroup.WithContext(ctx)
		for w := 0; w < cfg.Workers; w++ {
			g.Go(func() error {
				busyWork(gctx, cfg.Work)
				fmt.Printf("STEP=%d WORKER=%d/%d PID=%d\n", step, w, cfg.Workers, os.Getpid())
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		state.Advance(time.Now())
		if cfg.StateFile != "" {
			if err := progress.Save(cfg.StateFile, state); err != nil {
				return err
			}
		}
		fmt.Printf("[step %d] counter=%d\n", step, state.Counter)

		if !state.Done() {
			if err := pause(ctx, cfg.Sleep); err != nil {
				return err
			}
		}
	}

	fmt.Printf("[finish] completed steps=%d counter=%d\n", state.Step, state.Counter)
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// busyWork spins for roughly d so the process has live CPU state to
// checkpoint.
func busyWork(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	x := 1.0
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		for i := 0; i < 1000; i++ {
			x = x*1.0000001 + 0.0000001
		}
	}
	_ = x
}
