package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/internal/config"
	apperrors "github.com/3leaps/ckptctl/internal/errors"
	"github.com/3leaps/ckptctl/internal/observability"
	"github.com/3leaps/ckptctl/internal/server/handlers"
	"github.com/3leaps/ckptctl/pkg/checkpoint"
	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/jobregistry"
	"github.com/3leaps/ckptctl/pkg/jobstate"
)

var (
	checkpointJSON   bool
	checkpointDirect bool
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <job_id>",
	Short: "Request a checkpoint of a running job now",
	Long: `Checkpoint asks a running job for an immediate checkpoint and waits until
the engine confirms it.

The request goes through the job's control server, so the controller's
in-flight guard and checkpoint counters apply. Jobs without a control server
are checkpointed directly through their coordinator.

--direct skips the control server. The controller's in-flight guard does not
see such a request, so it is only sent while the recorded state is running;
it can still overlap a scheduled checkpoint the record has not caught up with.

A failed request is not fatal to the job; it keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpoint,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.Flags().BoolVar(&checkpointJSON, "json", false, "Output as JSON")
	checkpointCmd.Flags().BoolVar(&checkpointDirect, "direct", false, "Bypass the control server and ask the coordinator directly (unguarded; job must be running)")
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}

	rec, err := jobsStore(cfg).Resolve(strings.TrimSpace(args[0]))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	if !rec.Active() {
		return fmt.Errorf("%w (job %s is %s)", checkpoint.ErrNotRunning, rec.JobID, rec.DisplayState())
	}

	var resp handlers.CheckpointResponse
	if rec.ControlURL != "" && !checkpointDirect {
		resp, err = checkpointViaServer(ctx, rec.ControlURL, cfg.Coordinator.CheckpointTimeout)
	} else {
		if err := directCheckpointAllowed(rec); err != nil {
			return err
		}
		resp, err = checkpointViaCoordinator(ctx, cfg, rec)
	}
	if err != nil {
		observability.CLILogger.Warn("checkpoint request failed", zap.String("job_id", rec.JobID), zap.Error(err))
		return err
	}
	resp.JobID = rec.JobID

	if checkpointJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", resp.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", resp.Status)
	if resp.Checkpoints > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "checkpoints=%d\n", resp.Checkpoints)
	}
	_, _ = fmt.Fprintf(os.Stdout, "duration=%s\n", resp.Duration.Round(time.Millisecond))
	return nil
}

func checkpointViaServer(ctx context.Context, baseURL string, timeout time.Duration) (handlers.CheckpointResponse, error) {
	var resp handlers.CheckpointResponse
	if timeout <= 0 {
		timeout = checkpoint.DefaultRequestTimeout
	}
	// The server holds the request open until the engine answers.
	client := &http.Client{Timeout: timeout + 30*time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/checkpoint", nil)
	if err != nil {
		return resp, err
	}
	res, err := client.Do(req)
	if err != nil {
		return resp, exitError(foundry.ExitExternalServiceUnavailable, "Control server unreachable", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusOK {
		if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
			return resp, fmt.Errorf("decode checkpoint response: %w", err)
		}
		return resp, nil
	}

	var body apperrors.HTTPErrorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return resp, fmt.Errorf("%w: control server returned %s", checkpoint.ErrCheckpointRequestFailed, res.Status)
	}
	return resp, checkpointErrorFromCode(body.Error.Code, body.Error.Message)
}

// directCheckpointAllowed guards requests that bypass the controller. Only
// a record in the running state qualifies; a recorded checkpoint counts as in
// flight.
func directCheckpointAllowed(rec *jobregistry.JobRecord) error {
	switch rec.State {
	case jobstate.Running:
		return nil
	case jobstate.Checkpointing:
		return fmt.Errorf("%w (job %s)", checkpoint.ErrCheckpointInFlight, rec.JobID)
	default:
		return fmt.Errorf("%w (job %s is %s)", checkpoint.ErrNotRunning, rec.JobID, rec.DisplayState())
	}
}

// checkpointErrorFromCode maps a control server error code back to the
// checkpoint sentinels.
func checkpointErrorFromCode(code, message string) error {
	switch code {
	case handlers.CodeNotRunning:
		return fmt.Errorf("%w: %s", checkpoint.ErrNotRunning, message)
	case handlers.CodeInFlight:
		return fmt.Errorf("%w: %s", checkpoint.ErrCheckpointInFlight, message)
	case handlers.CodeCheckpointFailed:
		return fmt.Errorf("%w: %s", checkpoint.ErrCheckpointRequestFailed, message)
	default:
		return errors.New(message)
	}
}

func checkpointViaCoordinator(ctx context.Context, cfg *config.Config, rec *jobregistry.JobRecord) (handlers.CheckpointResponse, error) {
	if rec.Coordinator == nil {
		return handlers.CheckpointResponse{}, fmt.Errorf("%w: job %s has no coordinator recorded", checkpoint.ErrNotRunning, rec.JobID)
	}
	profile, err := cfg.EngineProfile(rec.Engine)
	if err != nil {
		return handlers.CheckpointResponse{}, exitError(foundry.ExitInvalidArgument, "Invalid engine profile", err)
	}
	client, _, err := newCoordinator(cfg, profile, observability.CLILogger)
	if err != nil {
		return handlers.CheckpointResponse{}, err
	}
	ep := coordinator.Endpoint{Host: rec.Coordinator.Host, Port: rec.Coordinator.Port, PID: rec.Coordinator.PID}
	started := time.Now()
	if err := client.RequestCheckpoint(ctx, ep); err != nil {
		return handlers.CheckpointResponse{}, fmt.Errorf("%w: %w", checkpoint.ErrCheckpointRequestFailed, err)
	}
	return handlers.CheckpointResponse{Status: "completed", Duration: time.Since(started)}, nil
}
