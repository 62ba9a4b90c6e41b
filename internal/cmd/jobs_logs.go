package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/ckptctl/pkg/jobregistry"
	"github.com/3leaps/ckptctl/pkg/proc"
)

const followPollInterval = 250 * time.Millisecond

func runJobsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	if stream == "" {
		stream = "stdout"
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	store, err := commandStore(cmd)
	if err != nil {
		return err
	}
	rec, err := store.Resolve(strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}

	paths, err := logPaths(store, rec, stream)
	if err != nil {
		return err
	}

	if follow {
		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return followLogs(ctx, os.Stdout, paths)
	}

	for _, p := range paths {
		if len(paths) > 1 {
			_, _ = fmt.Fprintf(os.Stdout, "==> %s <==\n", p)
		}
		if err := printLogTail(os.Stdout, p, tailN); err != nil {
			return err
		}
	}
	return nil
}

// logPaths resolves the files behind a --stream value.
func logPaths(store *jobregistry.Store, rec *jobregistry.JobRecord, stream string) ([]string, error) {
	stdoutPath := rec.StdoutPath
	stderrPath := rec.StderrPath
	if stdoutPath == "" {
		stdoutPath = filepath.Join(store.JobDir(rec.JobID), "stdout.log")
	}
	if stderrPath == "" {
		stderrPath = filepath.Join(store.JobDir(rec.JobID), "stderr.log")
	}

	switch stream {
	case "stdout":
		return []string{stdoutPath}, nil
	case "stderr":
		return []string{stderrPath}, nil
	case "both":
		return []string{stdoutPath, stderrPath}, nil
	case "coordinator":
		if rec.CoordinatorLog == "" {
			return nil, fmt.Errorf("job %s has no coordinator log recorded", rec.JobID)
		}
		return []string{rec.CoordinatorLog}, nil
	case "steps":
		if len(rec.StepLogs) == 0 {
			return nil, fmt.Errorf("job %s has no step logs recorded", rec.JobID)
		}
		return rec.StepLogs, nil
	default:
		return nil, fmt.Errorf("invalid --stream %q (expected stdout, stderr, both, coordinator, or steps)", stream)
	}
}

func printLogTail(w io.Writer, path string, tailN int) error {
	if tailN <= 0 {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(w, f)
		return err
	}

	lines, err := proc.TailFile(path, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

// followLogs streams every path to w until ctx is done. Lines from
// different files are interleaved whole.
func followLogs(ctx context.Context, w io.Writer, paths []string) error {
	var mu sync.Mutex
	prefix := len(paths) > 1
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range paths {
		g.Go(func() error {
			return followLog(ctx, p, func(line string) {
				mu.Lock()
				defer mu.Unlock()
				if prefix {
					_, _ = fmt.Fprintf(w, "%s: %s\n", filepath.Base(p), line)
					return
				}
				_, _ = fmt.Fprintln(w, line)
			})
		})
	}
	return g.Wait()
}

func followLog(ctx context.Context, path string, emit func(string)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	var partial strings.Builder
	for {
		chunk, err := r.ReadString('\n')
		partial.WriteString(chunk)
		if err == nil {
			emit(strings.TrimRight(partial.String(), "\r\n"))
			partial.Reset()
			continue
		}
		if err != io.EOF {
			return err
		}
		select {
		case <-ctx.Done():
			if partial.Len() > 0 {
				emit(partial.String())
			}
			return nil
		case <-time.After(followPollInterval):
		}
	}
}
