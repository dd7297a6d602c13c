package netcore

import (
	"fmt"
	"strings"

	"github.com/shurlinet/megaengine/internal/identity"
)

// splitNodeAddr parses a NodeAddr of the form "<NodeId>@host:port", the
// bootstrap_nodes entry format documented in config.md's NetworkConfig.
func splitNodeAddr(nodeAddr string) (identity.NodeID, string, error) {
	at := strings.IndexByte(nodeAddr, '@')
	if at < 0 {
		return "", "", fmt.Errorf("netcore: malformed node address %q: missing '@'", nodeAddr)
	}
	id, err := identity.ParseNodeID(nodeAddr[:at])
	if err != nil {
		return "", "", fmt.Errorf("netcore: malformed node address %q: %w", nodeAddr, err)
	}
	addr := nodeAddr[at+1:]
	if addr == "" {
		return "", "", fmt.Errorf("netcore: malformed node address %q: missing host:port", nodeAddr)
	}
	return id, addr, nil
}
