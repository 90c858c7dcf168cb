package transport

import "fmt"

// loopbackAliases holds the set of host spellings treated as equivalent
// only for the purpose of deciding "is this peer me".
var loopbackAliases = map[string]bool{
	"127.0.0.1": true,
	"localhost": true,
	"::1":       true,
	"0.0.0.0":   true,
}

func normalizeHost(host string) string {
	if loopbackAliases[host] {
		return "@loopback"
	}
	return host
}

// Peer identifies a cluster member by host and port.
type Peer struct {
	Host string
	Port int
}

// ID returns the stable "host:port" string used as a map key throughout
// the raft package.
func (p Peer) ID() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Addr returns the dialable "host:port" string.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Equal reports whether two peers identify the same cluster member,
// normalizing loopback aliases first.
func (p Peer) Equal(o Peer) bool {
	return normalizeHost(p.Host) == normalizeHost(o.Host) && p.Port == o.Port
}
