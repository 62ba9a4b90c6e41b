package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/ckptctl/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage supervised jobs",
	Long: `Manage the records of launched and restarted jobs.

Every launch and restart is recorded under the jobs directory with a stable
job id, its state, the controller pid, the coordinator endpoint and the log
locations. Records whose controller died without finishing are reported as
orphaned.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a job's controller",
	Long: `Stop signals the job's controller. On SIGTERM the controller stops the
launcher steps and the coordinator before it exits; SIGKILL leaves them
running.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show logs for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old job records",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().Bool("active", false, "Only jobs that are still supervised")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	jobsStopCmd.Flags().Duration("grace", 30*time.Second, "How long to wait after SIGTERM before SIGKILL")
	jobsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, both, coordinator or steps")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole file)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	jobsGCCmd.Flags().Duration("max-age", 0, "Delete finished jobs older than this (default from config: 168h)")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func commandStore(cmd *cobra.Command) (*jobregistry.Store, error) {
	cfg, err := currentConfig(commandContext(cmd))
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	return jobsStore(cfg), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	activeOnly, _ := cmd.Flags().GetBool("active")

	store, err := commandStore(cmd)
	if err != nil {
		return err
	}
	all, err := store.List()
	if err != nil {
		return err
	}
	jobs := all[:0]
	for _, j := range all {
		if activeOnly && !j.Active() {
			continue
		}
		jobs = append(jobs, j)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tKIND\tNAME\tSTATE\tWORKERS\tCKPTS\tSTARTED\tENDED\tCOORDINATOR")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			j.Kind,
			orDash(j.Name),
			j.DisplayState(),
			workersColumn(j.ExpectedWorkers),
			j.Checkpoints,
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
			coordinatorColumn(j.Coordinator),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := commandStore(cmd)
	if err != nil {
		return err
	}
	rec, err := store.Resolve(strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "kind=%s\n", rec.Kind)
	if rec.Name != "" {
		_, _ = fmt.Fprintf(os.Stdout, "name=%s\n", rec.Name)
	}
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.DisplayState())
	if rec.Reason != "" {
		_, _ = fmt.Fprintf(os.Stdout, "reason=%s\n", rec.Reason)
	}
	if rec.Engine != "" {
		_, _ = fmt.Fprintf(os.Stdout, "engine=%s\n", rec.Engine)
	}
	if rec.SpecPath != "" {
		_, _ = fmt.Fprintf(os.Stdout, "spec_path=%s\n", rec.SpecPath)
	}
	if rec.RestartFrom != "" {
		_, _ = fmt.Fprintf(os.Stdout, "restart_from=%s\n", rec.RestartFrom)
	}
	if rec.ExpectedWorkers > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "expected_workers=%d\n", rec.ExpectedWorkers)
	}
	if rec.CheckpointDir != "" {
		_, _ = fmt.Fprintf(os.Stdout, "checkpoint_dir=%s\n", rec.CheckpointDir)
	}
	if rec.ArchiveDest != "" {
		_, _ = fmt.Fprintf(os.Stdout, "archive_destination=%s\n", rec.ArchiveDest)
	}
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", rec.PID)
	}
	if rec.Coordinator != nil {
		_, _ = fmt.Fprintf(os.Stdout, "coordinator=%s\n", coordinatorColumn(rec.Coordinator))
	}
	if rec.ControlURL != "" {
		_, _ = fmt.Fprintf(os.Stdout, "control_url=%s\n", rec.ControlURL)
	}
	_, _ = fmt.Fprintf(os.Stdout, "checkpoints=%d\n", rec.Checkpoints)
	if rec.Archived > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "archived=%d\n", rec.Archived)
	}
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(os.Stdout, "exit_code=%d\n", *rec.ExitCode)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.LastHeartbeat != nil {
		_, _ = fmt.Fprintf(os.Stdout, "last_heartbeat=%s\n", rec.LastHeartbeat.UTC().Format(time.RFC3339))
	}
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func workersColumn(n int) string {
	if n <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}

func coordinatorColumn(ep *jobregistry.Endpoint) string {
	if ep == nil || ep.Port == 0 {
		return "-"
	}
	return fmt.Sprintf("%s:%d", ep.Host, ep.Port)
}
