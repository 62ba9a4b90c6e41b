package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/pkg/ledger"
	"github.com/3leaps/ckptctl/pkg/output"
	"github.com/3leaps/ckptctl/pkg/provider"
)

// DefaultPollInterval is the archiver scan cadence.
const DefaultPollInterval = 5 * time.Second

// GenerationTimeFormat is the UTC timestamp in generation directory names.
const GenerationTimeFormat = "20060102T150405Z"

// GenerationDir renders "gen-<NNNNNN>-<UTC timestamp>".
func GenerationDir(n int, at time.Time) string {
	return fmt.Sprintf("gen-%06d-%s", n, at.UTC().Format(GenerationTimeFormat))
}

// ErrContentChanged is reported when an artifact changed while it was
// being copied. The copy is not recorded and is retried on the next scan.
var ErrContentChanged = errors.New("artifact changed during copy")

// Ledger remembers archived content. *ledger.Ledger implements it.
type Ledger interface {
	Latest(ctx context.Context, destination, name string) (ledger.Artifact, bool, error)
	AllocateGeneration(ctx context.Context, destination, jobID string, at time.Time, dirFor func(int) string) (ledger.Generation, error)
	Record(ctx context.Context, a ledger.Artifact) error
}

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	// Dir is the engine's checkpoint directory. Only its top-level entries
	// are considered.
	Dir string

	// Destination identifies the sink in the ledger and in output records.
	Destination provider.Destination

	Include []string
	Exclude []string

	PollInterval time.Duration
	JobID        string
}

// ArchiverOptions carries the archiver's collaborators.
type ArchiverOptions struct {
	// Alive is checked before every scan; when it reports false the
	// archiver makes one final scan and stops.
	Alive  AliveFunc
	Output output.Writer
	Logger *zap.Logger
	Now    func() time.Time
}

// ScanResult summarizes one archive pass.
type ScanResult struct {
	// Generation is zero when nothing new was found.
	Generation int
	Dir        string
	Archived   []ledger.Artifact
	Unchanged  int
	Failed     int
}

// Archiver copies new checkpoint artifacts to a retention sink. It only
// reads the checkpoint directory and never deletes from either side.
type Archiver struct {
	cfg    ArchiverConfig
	sink   provider.ObjectPutter
	ledger Ledger
	alive  AliveFunc
	out    output.Writer
	logger *zap.Logger
	now    func() time.Time

	archived    atomic.Int64
	generations atomic.Int64
}

// NewArchiver validates cfg and returns an Archiver.
func NewArchiver(sink provider.ObjectPutter, led Ledger, cfg ArchiverConfig, opts ArchiverOptions) (*Archiver, error) {
	if sink == nil || led == nil {
		return nil, errors.New("archiver requires a sink and a ledger")
	}
	if cfg.Dir == "" {
		return nil, errors.New("archiver requires a checkpoint directory")
	}
	if err := ValidatePatterns(append(append([]string(nil), cfg.Include...), cfg.Exclude...)...); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if opts.Output == nil {
		opts.Output = output.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Archiver{
		cfg:    cfg,
		sink:   sink,
		ledger: led,
		alive:  opts.Alive,
		out:    opts.Output,
		logger: opts.Logger,
		now:    opts.Now,
	}, nil
}

// ValidatePatterns checks include/exclude patterns.
func ValidatePatterns(patterns ...string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid archive pattern %q", p)
		}
	}
	return nil
}

// Archived returns the number of artifacts copied so far.
func (a *Archiver) Archived() int64 { return a.archived.Load() }

// Generations returns the number of generations this archiver created.
func (a *Archiver) Generations() int64 { return a.generations.Load() }

// Run scans on every poll interval until ctx is cancelled or the liveness
// check fails. Scan errors are logged and do not stop the loop.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("archiver started",
		zap.String("dir", a.cfg.Dir),
		zap.String("destination", a.cfg.Destination.String()),
		zap.Duration("poll_interval", a.cfg.PollInterval),
	)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if a.alive != nil && !a.alive(ctx) {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Info("coordinator gone; final archive scan")
			a.scanAndLog(ctx)
			return nil
		}
		a.scanAndLog(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Archiver) scanAndLog(ctx context.Context) {
	if _, err := a.Scan(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("archive scan failed", zap.Error(err))
	}
}

// Scan makes one archive pass. Every top-level entry whose content differs
// from the latest archived copy of its name is copied under a single new
// generation, oldest modification time first. An entry that fails to copy is left unrecorded.
func (a *Archiver) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult

	names, err := a.candidates()
	if err != nil {
		return res, err
	}

	dest := a.cfg.Destination.String()
	var fresh []Entry
	for _, name := range names {
		e, err := identify(a.cfg.Dir, name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Replaced between listing and hashing.
				continue
			}
			res.Failed++
			a.logger.Warn("cannot identify artifact", zap.String("name", name), zap.Error(err))
			continue
		}
		last, found, err := a.ledger.Latest(ctx, dest, e.Name)
		if err != nil {
			return res, err
		}
		if found && last.ContentHash == e.Hash {
			res.Unchanged++
			continue
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return res, nil
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		if !fresh[i].ModTime.Equal(fresh[j].ModTime) {
			return fresh[i].ModTime.Before(fresh[j].ModTime)
		}
		return fresh[i].Name < fresh[j].Name
	})

	at := a.now()
	gen, err := a.ledger.AllocateGeneration(ctx, dest, a.cfg.JobID, at, func(n int) string {
		return GenerationDir(n, at)
	})
	if err != nil {
		return res, err
	}
	res.Generation = gen.Number
	res.Dir = gen.Dir
	a.generations.Add(1)

	for _, e := range fresh {
		key := path.Join(gen.Dir, e.Name)
		if err := a.copyEntry(ctx, e, key); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			a.logger.Warn("archive copy failed",
				zap.String("name", e.Name),
				zap.String("key", key),
				zap.Bool("retryable", provider.IsRetryable(err) || errors.Is(err, ErrContentChanged)),
				zap.Error(err),
			)
			_ = a.out.WriteError(ctx, &output.ErrorRecord{
				Code:    output.ErrCodeArchiveFailed,
				Message: err.Error(),
				Details: map[string]any{"name": e.Name, "generation": gen.Number},
			})
			continue
		}

		art := ledger.Artifact{
			Destination: dest,
			Name:        e.Name,
			ContentHash: e.Hash,
			Size:        e.Size,
			ModTime:     e.ModTime,
			Generation:  gen.Number,
			Key:         key,
			ArchivedAt:  a.now(),
		}
		if err := a.ledger.Record(ctx, art); err != nil {
			return res, err
		}
		res.Archived = append(res.Archived, art)
		a.archived.Add(1)

		a.logger.Info("artifact archived",
			zap.String("name", e.Name),
			zap.Int("generation", gen.Number),
			zap.String("location", a.cfg.Destination.Locate(key)),
			zap.Int64("size", e.Size),
		)
		_ = a.out.WriteArchive(ctx, &output.ArchiveRecord{
			Name:        e.Name,
			SourcePath:  e.Path,
			Destination: a.cfg.Destination.Locate(key),
			Generation:  int64(gen.Number),
			ContentHash: e.Hash,
			Size:        e.Size,
			ModTime:     e.ModTime,
		})
	}
	return res, nil
}

// candidates lists top-level names that pass the include/exclude filters.
// A checkpoint directory that does not exist yet has no candidates.
func (a *Archiver) candidates() ([]string, error) {
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var names []string
	for _, de := range entries {
		if a.selected(de.Name()) {
			names = append(names, de.Name())
		}
	}
	return names, nil
}

func (a *Archiver) selected(name string) bool {
	for _, p := range a.cfg.Exclude {
		if ok, _ := doublestar.Match(p, name); ok {
			return false
		}
	}
	if len(a.cfg.Include) == 0 {
		return true
	}
	for _, p := range a.cfg.Include {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (a *Archiver) copyEntry(ctx context.Context, e Entry, key string) error {
	if !e.IsDir {
		return a.copyFile(ctx, e.Path, key, e.Size, e.Hash)
	}
	for _, f := range e.Files {
		src := filepath.Join(e.Path, filepath.FromSlash(f.Rel))
		if err := a.copyFile(ctx, src, path.Join(key, f.Rel), f.Size, f.Hash); err != nil {
			return err
		}
	}
	return nil
}

// Uploads that fail with a retryable provider error are retried from the
// start of the file.
const putAttempts = 3

var putRetryBackoff = 500 * time.Millisecond

// copyFile uploads src and verifies the uploaded bytes hash to want.
func (a *Archiver) copyFile(ctx context.Context, src, key string, size int64, want string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	for attempt := 1; ; attempt++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		h.Reset()
		body := io.TeeReader(io.LimitReader(f, size), h)
		err := a.sink.PutObject(ctx, key, body, size)
		if err == nil {
			break
		}
		if attempt >= putAttempts || !provider.IsRetryable(err) {
			return err
		}
		a.logger.Debug("retrying upload", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * putRetryBackoff):
		}
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return fmt.Errorf("%w: %s", ErrContentChanged, src)
	}
	return nil
}
