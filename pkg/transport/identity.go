package transport

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ServiceType builds the DNS-SD service type advertised for service over kind,
// e.g. "_remote._tcp". QUIC runs over UDP and is advertised as such.
func ServiceType(service string, kind Kind) string {
	proto := "_tcp"
	if kind == KindQUIC {
		proto = "_udp"
	}
	return "_" + strings.TrimPrefix(strings.TrimSpace(service), "_") + "." + proto
}

// NewInstanceID returns a random identifier used to tell advertisers apart.
func NewInstanceID() string { return uuid.NewString() }

// InstanceName builds a human readable, collision resistant instance name from
// the host name and the first block of id.
func InstanceName(id string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "lanlink"
	}
	host = strings.SplitN(host, ".", 2)[0]
	short := id
	if i := strings.IndexByte(id, '-'); i > 0 {
		short = id[:i]
	}
	return fmt.Sprintf("%s-%s", host, short)
}
