package restart

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/ckptctl/pkg/checkpoint"
	"github.com/3leaps/ckptctl/pkg/engine"
)

// DefaultCheckpointInterval is used when no interval can be recovered from
// the artifact directory.
const DefaultCheckpointInterval = 120 * time.Second

// Interval sources, reported in results and logs.
const (
	SourceFlag    = "flag"
	SourceScript  = "script"
	SourceMeta    = "meta"
	SourceDefault = "default"
)

// ErrNoResumeScript is returned when the artifact directory has no resume
// script.
var ErrNoResumeScript = fmt.Errorf("%w: no resume script", ErrRestartFailed)

var (
	intervalEnvRe  = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:DMTCP_CHECKPOINT_INTERVAL|DEFAULT_CHECKPOINT_INTERVAL|CKPTCTL_CHECKPOINT_INTERVAL|checkpoint_interval)=["']?(\d+)["']?\s*$`)
	intervalFlagRe = regexp.MustCompile(`(?:^|\s)(?:-i|--interval)(?:\s+|=)["']?(\d+)["']?(?:\s|$)`)
)

// FindResumeScript locates the profile's resume script at the top of dir.
// When the well-known name is absent the profile glob is tried and the most
// recently modified match wins.
func FindResumeScript(dir string, p engine.Profile) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRestartFailed, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrRestartFailed, dir)
	}

	name := p.ResumeScript
	if name == "" {
		name = engine.DefaultResumeScript
	}
	path := filepath.Join(dir, name)
	if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
		return path, nil
	}

	if p.ResumeScriptGlob == "" {
		return "", fmt.Errorf("%w: %s not found in %s", ErrNoResumeScript, name, dir)
	}
	matches, err := doublestar.Glob(os.DirFS(dir), p.ResumeScriptGlob)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRestartFailed, err)
	}

	type candidate struct {
		path string
		mod  time.Time
	}
	var found []candidate
	for _, m := range matches {
		if strings.Contains(m, "/") {
			continue
		}
		fi, err := os.Stat(filepath.Join(dir, m))
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		found = append(found, candidate{path: filepath.Join(dir, m), mod: fi.ModTime()})
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%w: neither %s nor %s in %s", ErrNoResumeScript, name, p.ResumeScriptGlob, dir)
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].mod.Equal(found[j].mod) {
			return found[i].mod.After(found[j].mod)
		}
		return found[i].path < found[j].path
	})
	return found[0].path, nil
}

// ScriptInterval extracts a checkpoint interval, in seconds, from the
// resume script's variable assignments or interval flags. Zero values are
// ignored.
func ScriptInterval(script string) (time.Duration, bool, error) {
	b, err := os.ReadFile(script)
	if err != nil {
		return 0, false, err
	}
	text := string(b)
	for _, re := range []*regexp.Regexp{intervalEnvRe, intervalFlagRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			secs, err := strconv.Atoi(m[1])
			if err != nil || secs <= 0 {
				continue
			}
			return time.Duration(secs) * time.Second, true, nil
		}
	}
	return 0, false, nil
}

// ResolveInterval picks the interval for a restart: an explicit override,
// then the resume script, then the launch sidecar, then
// DefaultCheckpointInterval.
func ResolveInterval(dir, script string, override time.Duration) (time.Duration, string) {
	if override > 0 {
		return override, SourceFlag
	}
	if d, ok, err := ScriptInterval(script); err == nil && ok {
		return d, SourceScript
	}
	if m, ok, err := checkpoint.ReadMeta(dir); err == nil && ok && m.Interval > 0 {
		return m.Interval, SourceMeta
	}
	return DefaultCheckpointInterval, SourceDefault
}
