// Package nodeid implements the identifiers that thread through every layer
// of nexus: node identity (name@host:port), and the opaque correlation
// tokens used for servers, calls, monitors, spawns and global registry
// entries.
package nodeid

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NodeId identifies one process participating in the cluster.
type NodeId struct {
	Name string
	Host string
	Port int
}

var nameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// ErrInvalidNodeId is returned by Parse when the input does not match the
// name@host:port grammar.
type ErrInvalidNodeId struct {
	Input  string
	Reason string
}

func (e *ErrInvalidNodeId) Error() string {
	return fmt.Sprintf("invalid node id %q: %s", e.Input, e.Reason)
}

// Parse validates and decodes a "name@host:port" string.
//
// Host may be an IPv4 address, a bracketed IPv6 address ("[::1]"), or a
// bare hostname; port must be in 1..65535.
func Parse(s string) (NodeId, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return NodeId{}, &ErrInvalidNodeId{s, "missing '@' separator"}
	}
	name, rest := s[:at], s[at+1:]
	if !nameRE.MatchString(name) {
		return NodeId{}, &ErrInvalidNodeId{s, "name must start with a letter and contain only alphanumerics, '_' or '-', max 64 chars"}
	}

	host, portStr, err := splitHostPort(rest)
	if err != nil {
		return NodeId{}, &ErrInvalidNodeId{s, err.Error()}
	}
	if !validHost(host) {
		return NodeId{}, &ErrInvalidNodeId{s, "invalid host"}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return NodeId{}, &ErrInvalidNodeId{s, "port must be an integer in 1..65535"}
	}

	return NodeId{Name: name, Host: host, Port: port}, nil
}

// splitHostPort splits "host:port" handling a bracketed IPv6 host, without
// requiring the port to already be known (net.SplitHostPort works here too,
// but is reimplemented narrowly so bracket handling is explicit and testable
// in isolation).
func splitHostPort(s string) (host, port string, err error) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", "", fmt.Errorf("unterminated IPv6 literal")
		}
		host = s[1:end]
		rest := s[end+1:]
		if !strings.HasPrefix(rest, ":") {
			return "", "", fmt.Errorf("missing port after IPv6 literal")
		}
		return host, rest[1:], nil
	}
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("missing ':port'")
	}
	return s[:idx], s[idx+1:], nil
}

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return true
	}
	// Hostname: RFC 1123-ish, permissive enough for test/dev use.
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
	}
	return true
}

// String formats the NodeId back into "name@host:port". format(parse(s)) ==
// s for every s Parse accepts, provided the
// host component doesn't need IPv6 bracketing normalization.
func (n NodeId) String() string {
	host := n.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s@%s:%d", n.Name, host, n.Port)
}

// Equals compares two NodeIds by their (name, host, port) triple.
func (n NodeId) Equals(other NodeId) bool {
	return n.Name == other.Name && n.Host == other.Host && n.Port == other.Port
}

// Less provides the deterministic lexicographic ordering used to break
// simultaneous-dial ties in the cluster transport.
func (n NodeId) Less(other NodeId) bool {
	return n.String() < other.String()
}

// newToken produces an opaque, globally-unique token combining a time
// component with cryptographic randomness (UUIDv7). Tokens are never
// interpreted by recipients other than as map keys.
func newToken(prefix string) string {
	u, err := uuid.NewV7()
	if err != nil {
		// crypto/rand failing is effectively unrecoverable process state;
		// fall back to the time-seeded variant rather than panic.
		u = uuid.Must(uuid.NewUUID())
	}
	return prefix + "_" + strings.ReplaceAll(u.String(), "-", "")
}

// NewServerId allocates a server identifier, never reused within a process.
func NewServerId() string { return newToken("srv") }

// NewCallId allocates a correlation id for a local or remote call.
func NewCallId() string { return newToken("call") }

// NewMonitorId allocates a correlation id for a remote monitor.
func NewMonitorId() string { return newToken("mon") }

// NewSpawnId allocates a correlation id for a remote spawn request.
func NewSpawnId() string { return newToken("spawn") }

// NewRegistryEntryId allocates an id for a global registry entry, used to
// disambiguate retransmitted registry_sync/registry_update messages.
func NewRegistryEntryId() string { return newToken("reg") }
