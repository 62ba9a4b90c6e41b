// Package engine adapts a checkpoint engine's command-line tools.
//
// A Profile holds argv templates for every interaction the controller has
// with the engine: starting a coordinator, querying it, launching workers
// under it and resuming from a checkpoint. Output parsing lives behind
// MembershipParser so the text format can change without touching the
// controller.
package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultResumeScript is the resume script name the dmtcp engine writes into
// every checkpoint directory.
const DefaultResumeScript = "dmtcp_restart_script.sh"

// Output formats understood by ParserFor.
const (
	FormatLines = "lines"
	FormatJSON  = "json"
)

// ErrEmptyTemplate is returned when a profile lacks a required template.
var ErrEmptyTemplate = errors.New("engine command template is empty")

// Profile describes how to drive one checkpoint engine.
//
// Templates are argv slices. Placeholders in braces are substituted from
// Vars. An element wrapped in square brackets ("[-i {interval}]") is an
// optional group: it is split on spaces and dropped entirely when any
// placeholder inside it is empty. The element "{command}" expands to the
// job command, and "{launch}" (only in Step) expands to the launch argv.
type Profile struct {
	Name string `mapstructure:"name" yaml:"name" json:"name"`

	Coordinator []string `mapstructure:"coordinator" yaml:"coordinator" json:"coordinator"`
	List        []string `mapstructure:"list" yaml:"list" json:"list"`
	Checkpoint  []string `mapstructure:"checkpoint" yaml:"checkpoint" json:"checkpoint"`
	Status      []string `mapstructure:"status" yaml:"status" json:"status"`
	Quit        []string `mapstructure:"quit" yaml:"quit" json:"quit"`
	Launch      []string `mapstructure:"launch" yaml:"launch" json:"launch"`
	Restart     []string `mapstructure:"restart" yaml:"restart" json:"restart"`

	// Step wraps Launch for a non-local execution context. Empty means the
	// launch argv runs directly on this host.
	Step []string `mapstructure:"step" yaml:"step" json:"step"`

	ResumeScript     string `mapstructure:"resume_script" yaml:"resume_script" json:"resume_script"`
	ResumeScriptGlob string `mapstructure:"resume_script_glob" yaml:"resume_script_glob" json:"resume_script_glob"`

	// OutputFormat selects the membership parser: "lines" or "json".
	OutputFormat string `mapstructure:"output_format" yaml:"output_format" json:"output_format"`
}

// DMTCP returns the built-in profile for the dmtcp tool suite.
func DMTCP() Profile {
	return Profile{
		Name:             "dmtcp",
		Coordinator:      []string{"dmtcp_coordinator", "--daemon", "--exit-on-last", "-p", "0", "--port-file", "{port_file}", "[-i {interval}]", "[--ckptdir {ckpt_dir}]"},
		List:             []string{"dmtcp_command", "-h", "{host}", "-p", "{port}", "--list"},
		Checkpoint:       []string{"dmtcp_command", "-h", "{host}", "-p", "{port}", "-bc"},
		Status:           []string{"dmtcp_command", "-h", "{host}", "-p", "{port}", "-s"},
		Quit:             []string{"dmtcp_command", "-h", "{host}", "-p", "{port}", "-q"},
		Launch:           []string{"dmtcp_launch", "--join-coordinator", "-h", "{host}", "-p", "{port}", "[-i {interval}]", "[--ckptdir {ckpt_dir}]", "{command}"},
		Restart:          []string{"{script}", "-h", "{host}", "-p", "{port}", "[-i {interval}]", "[--ckptdir {ckpt_dir}]"},
		Step:             nil,
		ResumeScript:     DefaultResumeScript,
		ResumeScriptGlob: "dmtcp_restart_script*.sh",
		OutputFormat:     FormatLines,
	}
}

// Builtin returns a named built-in profile.
func Builtin(name string) (Profile, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "dmtcp":
		return DMTCP(), true
	case "dmtcp-srun":
		p := DMTCP()
		p.Name = "dmtcp-srun"
		p.Step = []string{"srun", "--nodes=1", "--ntasks=1", "--nodelist={slot}", "{launch}"}
		return p, true
	default:
		return Profile{}, false
	}
}

// Merge overlays non-empty fields of o onto p.
func (p Profile) Merge(o Profile) Profile {
	if o.Name != "" {
		p.Name = o.Name
	}
	pick := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = append([]string(nil), src...)
		}
	}
	pick(&p.Coordinator, o.Coordinator)
	pick(&p.List, o.List)
	pick(&p.Checkpoint, o.Checkpoint)
	pick(&p.Status, o.Status)
	pick(&p.Quit, o.Quit)
	pick(&p.Launch, o.Launch)
	pick(&p.Restart, o.Restart)
	pick(&p.Step, o.Step)
	if o.ResumeScript != "" {
		p.ResumeScript = o.ResumeScript
	}
	if o.ResumeScriptGlob != "" {
		p.ResumeScriptGlob = o.ResumeScriptGlob
	}
	if o.OutputFormat != "" {
		p.OutputFormat = o.OutputFormat
	}
	return p
}

// Validate checks that every required template is present.
func (p Profile) Validate() error {
	required := map[string][]string{
		"coordinator": p.Coordinator,
		"list":        p.List,
		"checkpoint":  p.Checkpoint,
		"status":      p.Status,
		"launch":      p.Launch,
		"restart":     p.Restart,
	}
	for name, tmpl := range required {
		if len(tmpl) == 0 {
			return fmt.Errorf("%w: %s", ErrEmptyTemplate, name)
		}
	}
	if !containsPlaceholder(p.Coordinator, "port_file") {
		return fmt.Errorf("coordinator template must publish its port via {port_file}")
	}
	if !containsPlaceholder(p.Launch, "command") {
		return fmt.Errorf("launch template must include {command}")
	}
	if len(p.Step) > 0 && !containsPlaceholder(p.Step, "launch") {
		return fmt.Errorf("step template must include {launch}")
	}
	if _, err := ParserFor(p.OutputFormat); err != nil {
		return err
	}
	return nil
}

// Binaries returns the distinct executables the profile invokes, excluding
// placeholders.
func (p Profile) Binaries() []string {
	seen := map[string]bool{}
	var out []string
	for _, tmpl := range [][]string{p.Coordinator, p.List, p.Checkpoint, p.Status, p.Quit, p.Launch, p.Restart, p.Step} {
		if len(tmpl) == 0 || strings.Contains(tmpl[0], "{") {
			continue
		}
		if !seen[tmpl[0]] {
			seen[tmpl[0]] = true
			out = append(out, tmpl[0])
		}
	}
	return out
}

// Vars are the values substituted into templates.
type Vars struct {
	Host     string
	Port     int
	PortFile string
	Interval time.Duration
	CkptDir  string
	Script   string
	Slot     string
	Command  []string
}

func (v Vars) lookup(name string) (string, bool) {
	switch name {
	case "host":
		return v.Host, true
	case "port":
		if v.Port <= 0 {
			return "", true
		}
		return strconv.Itoa(v.Port), true
	case "port_file":
		return v.PortFile, true
	case "interval":
		if v.Interval <= 0 {
			return "", true
		}
		secs := int(v.Interval / time.Second)
		if secs < 1 {
			secs = 1
		}
		return strconv.Itoa(secs), true
	case "ckpt_dir":
		return v.CkptDir, true
	case "script":
		return v.Script, true
	case "slot":
		return v.Slot, true
	}
	return "", false
}

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// Expand renders tmpl with v.
func Expand(tmpl []string, v Vars) ([]string, error) {
	if len(tmpl) == 0 {
		return nil, ErrEmptyTemplate
	}

	out := make([]string, 0, len(tmpl)+len(v.Command))
	for _, elem := range tmpl {
		if elem == "{command}" {
			out = append(out, v.Command...)
			continue
		}

		if strings.HasPrefix(elem, "[") && strings.HasSuffix(elem, "]") {
			group := strings.Fields(elem[1 : len(elem)-1])
			rendered, ok, err := expandGroup(group, v)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, rendered...)
			}
			continue
		}

		s, empty, err := substitute(elem, v)
		if err != nil {
			return nil, err
		}
		if empty {
			return nil, fmt.Errorf("template element %q has no value", elem)
		}
		out = append(out, s)
	}
	return out, nil
}

// ExpandStep renders the profile's launch argv, wrapped in Step when the
// profile has one and slot is non-empty.
func (p Profile) ExpandStep(v Vars) ([]string, error) {
	launch, err := Expand(p.Launch, v)
	if err != nil {
		return nil, err
	}
	if len(p.Step) == 0 || strings.TrimSpace(v.Slot) == "" {
		return launch, nil
	}

	out := make([]string, 0, len(p.Step)+len(launch))
	for _, elem := range p.Step {
		if elem == "{launch}" {
			out = append(out, launch...)
			continue
		}
		s, empty, err := substitute(elem, v)
		if err != nil {
			return nil, err
		}
		if empty {
			return nil, fmt.Errorf("step element %q has no value", elem)
		}
		out = append(out, s)
	}
	return out, nil
}

func expandGroup(group []string, v Vars) ([]string, bool, error) {
	out := make([]string, 0, len(group))
	for _, elem := range group {
		s, empty, err := substitute(elem, v)
		if err != nil {
			return nil, false, err
		}
		if empty {
			return nil, false, nil
		}
		out = append(out, s)
	}
	return out, true, nil
}

// substitute replaces placeholders in elem. empty reports that some
// placeholder resolved to "".
func substitute(elem string, v Vars) (string, bool, error) {
	var unknown string
	empty := false
	s := placeholderRe.ReplaceAllStringFunc(elem, func(m string) string {
		name := m[1 : len(m)-1]
		val, ok := v.lookup(name)
		if !ok {
			unknown = name
			return m
		}
		if val == "" {
			empty = true
		}
		return val
	})
	if unknown != "" {
		return "", false, fmt.Errorf("unknown template placeholder {%s}", unknown)
	}
	return s, empty, nil
}

func containsPlaceholder(tmpl []string, name string) bool {
	needle := "{" + name + "}"
	for _, elem := range tmpl {
		if strings.Contains(elem, needle) {
			return true
		}
	}
	return false
}
