package coordinator

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Endpoint is where a running coordinator accepts queries.
//
// An Endpoint exists only after the coordinator has published its port;
// there is no default port.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// PID is the coordinator process id, 0 when unknown (daemonized).
	PID int `json:"pid,omitempty"`
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Addr()
}

// Valid reports whether the endpoint has a host and a real port.
func (e Endpoint) Valid() bool {
	return strings.TrimSpace(e.Host) != "" && e.Port > 0 && e.Port <= 65535
}

// ReadPortFile parses a port published by the coordinator. A missing or
// empty file is reported as an error.
func ReadPortFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("port file %s is empty", path)
	}
	port, err := strconv.Atoi(firstLine(s))
	if err != nil {
		return 0, fmt.Errorf("port file %s: %w", path, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port file %s: port %d out of range", path, port)
	}
	return port, nil
}
