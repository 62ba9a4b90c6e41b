package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/ckptctl/pkg/provider"
)

var generationDirRe = regexp.MustCompile(`^gen-(\d{6,})-(\d{8}T\d{6}Z)$`)

// ErrGenerationNotFound is returned when a requested generation is not in
// the sink.
var ErrGenerationNotFound = errors.New("generation not found")

// GenerationInfo describes a generation as found in a sink.
type GenerationInfo struct {
	Number    int
	Dir       string
	CreatedAt time.Time

	// Names are the top-level artifact names copied in this generation.
	Names []string
	Bytes int64
}

type archivedObject struct {
	gen  int
	name string
	key  string
	rel  string
	size int64
}

func parseKey(key string) (archivedObject, bool) {
	dir, rest, ok := strings.Cut(strings.TrimPrefix(key, "/"), "/")
	if !ok || rest == "" {
		return archivedObject{}, false
	}
	m := generationDirRe.FindStringSubmatch(dir)
	if m == nil {
		return archivedObject{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return archivedObject{}, false
	}
	name, _, _ := strings.Cut(rest, "/")
	return archivedObject{gen: n, name: name, key: key, rel: rest}, true
}

func listArchived(ctx context.Context, sink provider.Provider) ([]archivedObject, error) {
	objs, err := provider.ListAll(ctx, sink, "gen-")
	if err != nil {
		return nil, err
	}
	out := make([]archivedObject, 0, len(objs))
	for _, o := range objs {
		a, ok := parseKey(o.Key)
		if !ok {
			continue
		}
		a.size = o.Size
		out = append(out, a)
	}
	return out, nil
}

// ListGenerations reads the generation layout back from a sink, oldest
// first. It does not need the ledger.
func ListGenerations(ctx context.Context, sink provider.Provider) ([]GenerationInfo, error) {
	objs, err := listArchived(ctx, sink)
	if err != nil {
		return nil, err
	}
	byGen := map[int]*GenerationInfo{}
	names := map[int]map[string]bool{}
	for _, o := range objs {
		g := byGen[o.gen]
		if g == nil {
			dir, _, _ := strings.Cut(o.key, "/")
			g = &GenerationInfo{Number: o.gen, Dir: dir}
			if m := generationDirRe.FindStringSubmatch(dir); m != nil {
				g.CreatedAt, _ = time.Parse(GenerationTimeFormat, m[2])
			}
			byGen[o.gen] = g
			names[o.gen] = map[string]bool{}
		}
		g.Bytes += o.size
		if !names[o.gen][o.name] {
			names[o.gen][o.name] = true
			g.Names = append(g.Names, o.name)
		}
	}

	out := make([]GenerationInfo, 0, len(byGen))
	for _, g := range byGen {
		sort.Strings(g.Names)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// RestoreResult reports what Restore wrote.
type RestoreResult struct {
	Generation int
	Dir        string

	// Sources maps each restored top-level name to the generation its
	// content came from.
	Sources map[string]int
	Files   int
	Bytes   int64
}

// Restore materializes the checkpoint set as of generation gen into dir:
// for every artifact name archived at or before gen, the newest copy is
// downloaded. gen <= 0 selects the latest generation. Existing files in
// dir with the same names are overwritten; nothing else is touched.
func Restore(ctx context.Context, sink provider.Sink, gen int, dir string) (RestoreResult, error) {
	objs, err := listArchived(ctx, sink)
	if err != nil {
		return RestoreResult{}, err
	}
	if len(objs) == 0 {
		return RestoreResult{}, fmt.Errorf("%w: sink holds no generations", ErrGenerationNotFound)
	}

	latest := 0
	exists := false
	for _, o := range objs {
		latest = max(latest, o.gen)
		if o.gen == gen {
			exists = true
		}
	}
	if gen <= 0 {
		gen, exists = latest, true
	}
	if !exists {
		return RestoreResult{}, fmt.Errorf("%w: %d", ErrGenerationNotFound, gen)
	}

	source := map[string]int{}
	for _, o := range objs {
		if o.gen <= gen && o.gen > source[o.name] {
			source[o.name] = o.gen
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return RestoreResult{}, err
	}
	res := RestoreResult{Generation: gen, Dir: dir, Sources: source}
	for _, o := range objs {
		if source[o.name] != o.gen {
			continue
		}
		n, err := download(ctx, sink, o.key, filepath.Join(dir, filepath.FromSlash(o.rel)))
		if err != nil {
			return res, fmt.Errorf("restore %s: %w", o.key, err)
		}
		res.Files++
		res.Bytes += n
	}
	return res, nil
}

func download(ctx context.Context, sink provider.ObjectGetter, key, dst string) (int64, error) {
	body, _, err := sink.GetObject(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".restore-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	// Resume scripts must stay executable.
	if strings.HasSuffix(dst, ".sh") {
		_ = os.Chmod(tmpName, 0o755)
	}
	return n, os.Rename(tmpName, dst)
}
