package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/ckptctl/pkg/jobregistry"
)

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := currentConfig(commandContext(cmd))
	if err != nil {
		return err
	}
	if maxAge == 0 {
		maxAge = cfg.Jobs.GCMaxAge
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}

	store := jobsStore(cfg)
	jobs, err := store.List()
	if err != nil {
		return err
	}

	candidates := gcCandidates(jobs, time.Now().UTC(), maxAge)
	if !dryRun {
		for _, id := range candidates {
			if err := store.Delete(id); err != nil {
				return fmt.Errorf("remove job %s: %w", id, err)
			}
		}
	}

	res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAge.String()}
	if dryRun {
		res.WouldDelete = len(candidates)
	} else {
		res.Deleted = len(candidates)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", res.WouldDelete)
	} else {
		_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", res.Deleted)
	}
	_, _ = fmt.Fprintf(os.Stdout, "max_age=%s\n", res.MaxAgeString)
	return nil
}

// gcCandidates returns finished or orphaned jobs that ended more than
// maxAge before now. Orphans without an end time age from their last
// heartbeat.
func gcCandidates(jobs []jobregistry.JobRecord, now time.Time, maxAge time.Duration) []string {
	var out []string
	for _, j := range jobs {
		if j.Active() {
			continue
		}
		ended := j.EndedAt
		if ended == nil {
			ended = j.LastHeartbeat
		}
		if ended == nil {
			ended = &j.CreatedAt
		}
		if now.Sub(ended.UTC()) <= maxAge {
			continue
		}
		out = append(out, j.JobID)
	}
	return out
}
