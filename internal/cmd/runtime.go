package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/internal/config"
	"github.com/3leaps/ckptctl/pkg/checkpoint"
	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/engine"
	"github.com/3leaps/ckptctl/pkg/jobregistry"
	"github.com/3leaps/ckptctl/pkg/launch"
	"github.com/3leaps/ckptctl/pkg/ledger"
	"github.com/3leaps/ckptctl/pkg/output"
	"github.com/3leaps/ckptctl/pkg/provider"
)

func jobsStore(cfg *config.Config) *jobregistry.Store {
	return jobregistry.NewStore(cfg.Jobs.Dir)
}

func newJobID() string {
	return uuid.NewString()
}

// newCoordinator builds the query client and the start/stop handle for an
// engine profile from the coordinator config.
func newCoordinator(cfg *config.Config, profile engine.Profile, logger *zap.Logger) (*coordinator.Client, *coordinator.Handle, error) {
	c := cfg.Coordinator
	client, err := coordinator.NewClient(profile, coordinator.ClientOptions{
		QueryTimeout:      c.QueryTimeout,
		CheckpointTimeout: c.CheckpointTimeout,
		QueriesPerSecond:  c.QueriesPerSecond,
		Logger:            logger.Named("coordinator"),
	})
	if err != nil {
		return nil, nil, err
	}
	h := coordinator.NewHandle(client, logger.Named("coordinator"))
	h.SetStopGrace(c.StopGrace)
	h.SetStartBounds(c.PollInterval, c.MaxAttempts, c.LivenessAttempts)
	return client, h, nil
}

func openLedger(ctx context.Context, cfg *config.Config) (*ledger.Ledger, error) {
	return ledger.Open(ctx, ledger.Config{
		Path:      cfg.Archive.LedgerPath,
		URL:       cfg.Archive.LedgerURL,
		AuthToken: cfg.Archive.LedgerAuthToken,
	})
}

func s3Options(cfg *config.Config) checkpoint.S3Options {
	s := cfg.Archive.S3
	return checkpoint.S3Options{
		Region:         s.Region,
		Endpoint:       s.Endpoint,
		Profile:        s.Profile,
		ForcePathStyle: s.ForcePathStyle,
	}
}

// openSink parses a destination and opens its retention sink.
func openSink(ctx context.Context, cfg *config.Config, raw string, create bool) (provider.Destination, provider.Sink, error) {
	dest, err := provider.ParseDestination(raw)
	if err != nil {
		return provider.Destination{}, nil, err
	}
	sink, err := checkpoint.OpenSink(ctx, dest, s3Options(cfg), create)
	if err != nil {
		return dest, nil, err
	}
	return dest, sink, nil
}

// openOutput opens the JSONL record stream. "" and "-" write to stdout.
func openOutput(path, jobID, engineName string) (*output.JSONLWriter, error) {
	var w io.Writer = os.Stdout
	path = strings.TrimSpace(path)
	if path != "" && path != "-" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open output: %w", err)
		}
		w = f
	}
	return output.NewJSONLWriter(w, jobID, engineName), nil
}

// registryEndpoint converts a coordinator endpoint for the job record.
func registryEndpoint(ep coordinator.Endpoint) *jobregistry.Endpoint {
	return &jobregistry.Endpoint{Host: ep.Host, Port: ep.Port, PID: ep.PID}
}

// recordingCoordinator stores each started coordinator in the job record.
type recordingCoordinator struct {
	launch.Coordinator
	rec *jobregistry.Recorder
}

func (c recordingCoordinator) Start(ctx context.Context, policy coordinator.BindPolicy) (coordinator.Endpoint, error) {
	ep, err := c.Coordinator.Start(ctx, policy)
	if err != nil || c.rec == nil {
		return ep, err
	}
	c.rec.Update(func(r *jobregistry.JobRecord) {
		r.Coordinator = registryEndpoint(ep)
		r.CoordinatorLog = policy.LogPath
	})
	return ep, nil
}

// forwardedArgs rebuilds the flags set on cmd as arguments for a detached
// child, leaving out skip.
func forwardedArgs(cmd *cobra.Command, skip ...string) []string {
	skipped := map[string]bool{}
	for _, name := range skip {
		skipped[name] = true
	}
	var args []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if skipped[f.Name] || f.Hidden {
			return
		}
		val := f.Value.String()
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			val = strings.Join(sv.GetSlice(), ",")
		}
		args = append(args, "--"+f.Name+"="+val)
	})
	return args
}

// bindRecorder attaches to a record written by a detaching parent, or
// creates a new one.
func bindRecorder(store *jobregistry.Store, managedID string, rec *jobregistry.JobRecord, logger *zap.Logger) (*jobregistry.Recorder, error) {
	if managedID == "" {
		return jobregistry.NewRecorder(store, rec, logger)
	}
	r, err := jobregistry.AttachRecorder(store, managedID, logger)
	if err != nil {
		return nil, err
	}
	r.Update(func(existing *jobregistry.JobRecord) {
		existing.PID = os.Getpid()
		existing.Engine = rec.Engine
		existing.RuntimeDir = rec.RuntimeDir
		if existing.Name == "" {
			existing.Name = rec.Name
		}
		if rec.ExpectedWorkers > 0 {
			existing.ExpectedWorkers = rec.ExpectedWorkers
		}
		if rec.CheckpointDir != "" {
			existing.CheckpointDir = rec.CheckpointDir
		}
		if rec.ArchiveDest != "" {
			existing.ArchiveDest = rec.ArchiveDest
		}
	})
	return r, nil
}
