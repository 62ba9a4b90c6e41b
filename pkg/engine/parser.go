package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Member is one worker record reported by the coordinator.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Host  string `json:"host,omitempty"`
	State string `json:"state,omitempty"`
}

// MembershipParser turns a list-members response into worker records.
// Administrative and header entries must not be returned.
type MembershipParser interface {
	ParseMembers(out []byte) ([]Member, error)
}

// ParserFor returns the parser for an output format.
func ParserFor(format string) (MembershipParser, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatLines:
		return LineParser{}, nil
	case FormatJSON:
		return JSONParser{}, nil
	default:
		return nil, fmt.Errorf("unknown engine output format %q", format)
	}
}

// memberLine matches "<numeric tag>, <record>".
var memberLine = regexp.MustCompile(`^\s*(\d+)\s*,\s*(.+)$`)

// LineParser parses line-oriented listings such as:
//
//	Client List:
//	#, PROG[virtPID:realPID]@HOST, DMTCP-UNIQUEPID, STATE
//	1, solver[40000:5121]@node01, 6a1f0b1c-5121-66a0b2e1, RUNNING
//
// Only lines starting with a numeric tag are counted.
type LineParser struct{}

func (LineParser) ParseMembers(out []byte) ([]Member, error) {
	var members []Member
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		m := memberLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		members = append(members, parseRecord(m[1], m[2]))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan member list: %w", err)
	}
	return members, nil
}

func parseRecord(id, rest string) Member {
	fields := strings.Split(rest, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	member := Member{ID: id}
	identity := fields[0]
	if at := strings.LastIndex(identity, "@"); at >= 0 {
		member.Host = identity[at+1:]
		identity = identity[:at]
	}
	if br := strings.Index(identity, "["); br >= 0 {
		identity = identity[:br]
	}
	member.Name = identity
	if len(fields) > 1 {
		member.State = fields[len(fields)-1]
	}
	return member
}

// JSONParser parses {"members":[...]} documents or a bare array of members.
type JSONParser struct{}

func (JSONParser) ParseMembers(out []byte) ([]Member, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var members []Member
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &members); err != nil {
			return nil, fmt.Errorf("parse member list: %w", err)
		}
	} else {
		var doc struct {
			Members []Member `json:"members"`
		}
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parse member list: %w", err)
		}
		members = doc.Members
	}

	filtered := members[:0]
	for _, m := range members {
		if strings.TrimSpace(m.ID) == "" {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered, nil
}
