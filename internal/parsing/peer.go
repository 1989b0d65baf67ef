package parsing

import (
	"fmt"
	"net"
	"strings"
)

// Peer identifies the far end of a connection.
type Peer struct {
	// Addr is the transport address, host:port.
	Addr string
	// Host is the address without the port.
	Host string
	// Declared is an identity supplied out of band (simulate, API); empty for TCP peers.
	Declared string
}

// PeerFromAddr builds a Peer from a network address.
func PeerFromAddr(addr net.Addr) Peer {
	if addr == nil {
		return Peer{}
	}
	raw := addr.String()
	host, _, err := net.SplitHostPort(raw)
	if err != nil {
		host = raw
	}
	return Peer{Addr: raw, Host: host}
}

func (p Peer) String() string {
	if p.Declared != "" {
		return p.Declared
	}
	return p.Addr
}

// Matcher decides whether a strategy applies to a peer.
type Matcher func(Peer) bool

// MatchCIDRs matches peers whose host falls inside any of the networks.
// Bare IPs are accepted and treated as single-host networks.
func MatchCIDRs(cidrs ...string) (Matcher, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("invalid peer address %q", raw)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			raw = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid peer network %q: %w", raw, err)
		}
		nets = append(nets, n)
	}
	return func(p Peer) bool {
		ip := net.ParseIP(p.Host)
		if ip == nil {
			return false
		}
		for _, n := range nets {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	}, nil
}

// MatchDeclared matches peers that declared one of the given identities.
func MatchDeclared(names ...string) Matcher {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return func(p Peer) bool {
		if p.Declared == "" {
			return false
		}
		_, ok := set[strings.ToLower(p.Declared)]
		return ok
	}
}

// AnyOf combines matchers with OR.
func AnyOf(matchers ...Matcher) Matcher {
	return func(p Peer) bool {
		for _, m := range matchers {
			if m != nil && m(p) {
				return true
			}
		}
		return false
	}
}

// MatchAll accepts every peer. Register it last.
func MatchAll() Matcher {
	return func(Peer) bool { return true }
}
