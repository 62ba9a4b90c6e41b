package cmd

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/ckptctl/pkg/jobregistry"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/proc"
)

func runJobsStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.TrimSpace(strings.ToLower(sigStr))
	if sigStr == "" {
		sigStr = "term"
	}
	if sigStr != "term" && sigStr != "kill" {
		return fmt.Errorf("invalid --signal %q (expected term or kill)", sigStr)
	}
	grace, _ := cmd.Flags().GetDuration("grace")

	store, err := commandStore(cmd)
	if err != nil {
		return err
	}
	rec, err := store.Resolve(strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}
	if rec.PID <= 0 {
		return fmt.Errorf("job has no pid recorded")
	}
	if !rec.Active() {
		return fmt.Errorf("job is not running (state=%s)", rec.DisplayState())
	}

	sent := "kill"
	if sigStr == "term" {
		forced, err := proc.TerminatePID(commandContext(cmd), rec.PID, grace)
		if err != nil {
			return fmt.Errorf("signal term: %w", err)
		}
		sent = "term"
		if forced {
			sent = "term;forced=kill"
		}
	} else {
		p, err := os.FindProcess(rec.PID)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := p.Signal(syscall.SIGKILL); err != nil && proc.Alive(rec.PID) {
			return fmt.Errorf("signal kill: %w", err)
		}
	}

	// A controller that exited on SIGTERM has already written its outcome.
	// Anything else left the record mid-flight.
	if err := markStopped(store, rec.JobID); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "sent=%s\n", sent)
	return nil
}

func markStopped(store *jobregistry.Store, jobID string) error {
	_, err := store.Update(jobID, func(r *jobregistry.JobRecord) error {
		if r.State.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		r.State = jobstate.Failed
		r.Reason = "stopped by operator"
		r.Orphaned = false
		r.EndedAt = &now
		r.LastHeartbeat = &now
		return nil
	})
	return err
}
