// Package allocation resolves the execution contexts a job is launched on.
//
// The controller treats contexts as opaque: one launcher step is started per
// context. Sources, in order of precedence: an explicit host list, a
// hostfile, the scheduler's node list in the environment, and finally a
// single local context.
package allocation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// NodeListEnv is the scheduler variable read when no hosts are given.
const NodeListEnv = "SLURM_JOB_NODELIST"

// Context is one execution slot.
type Context struct {
	Index int    `json:"index"`
	Host  string `json:"host"`
	// Slots is informational; the controller starts one step per Context.
	Slots int `json:"slots,omitempty"`
}

// Local reports whether the context runs on this host without a step
// wrapper.
func (c Context) Local() bool {
	return c.Host == ""
}

// Options select the allocation source.
type Options struct {
	Hosts    []string
	Hostfile string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Resolve returns the contexts for opts.
func Resolve(opts Options) ([]Context, error) {
	if len(opts.Hosts) > 0 {
		var hosts []string
		for _, h := range opts.Hosts {
			expanded, err := ExpandNodeList(h)
			if err != nil {
				return nil, err
			}
			hosts = append(hosts, expanded...)
		}
		return FromHosts(hosts), nil
	}

	if strings.TrimSpace(opts.Hostfile) != "" {
		f, err := os.Open(opts.Hostfile)
		if err != nil {
			return nil, fmt.Errorf("open hostfile: %w", err)
		}
		defer func() { _ = f.Close() }()
		return ParseHostfile(f)
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if list := strings.TrimSpace(getenv(NodeListEnv)); list != "" {
		hosts, err := ExpandNodeList(list)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", NodeListEnv, err)
		}
		return FromHosts(hosts), nil
	}

	return []Context{{Index: 0}}, nil
}

// FromHosts builds one context per non-empty host.
func FromHosts(hosts []string) []Context {
	out := make([]Context, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		out = append(out, Context{Index: len(out), Host: h, Slots: 1})
	}
	return out
}

// ParseHostfile reads "host [slots=N]" lines. Blank lines and # comments are
// ignored.
func ParseHostfile(r io.Reader) ([]Context, error) {
	var out []Context
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		c := Context{Index: len(out), Host: fields[0], Slots: 1}
		for _, f := range fields[1:] {
			k, v, ok := strings.Cut(f, "=")
			if !ok || (k != "slots" && k != "max_slots") {
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("hostfile line %d: invalid %s %q", lineNo, k, v)
			}
			if k == "slots" {
				c.Slots = n
			}
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("hostfile lists no hosts")
	}
	return out, nil
}

// ExpandNodeList expands compressed node lists such as
// "node[01-03,07],gpu1" into individual host names.
func ExpandNodeList(s string) ([]string, error) {
	var out []string
	for _, item := range splitTopLevel(strings.TrimSpace(s)) {
		if item == "" {
			continue
		}
		open := strings.IndexByte(item, '[')
		if open < 0 {
			out = append(out, item)
			continue
		}
		end := strings.IndexByte(item[open:], ']')
		if end < 0 {
			return nil, fmt.Errorf("unbalanced bracket in %q", item)
		}
		end += open
		prefix, body, suffix := item[:open], item[open+1:end], item[end+1:]

		for _, part := range strings.Split(body, ",") {
			lo, hi, isRange := strings.Cut(part, "-")
			if !isRange {
				out = append(out, prefix+part+suffix)
				continue
			}
			a, err1 := strconv.Atoi(lo)
			b, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || b < a {
				return nil, fmt.Errorf("invalid range %q in %q", part, item)
			}
			width := len(lo)
			for n := a; n <= b; n++ {
				out = append(out, fmt.Sprintf("%s%0*d%s", prefix, width, n, suffix))
			}
		}
	}
	return out, nil
}

// splitTopLevel splits on commas outside brackets.
func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}
