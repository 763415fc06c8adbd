package dns

import (
	"context"
	"net"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

var _ Resolver = (*SystemResolver)(nil)

// SystemResolver uses the operating system's configured DNS.
type SystemResolver struct {
	logger zerolog.Logger

	qTypes []uint16

	resolver *net.Resolver
}

func NewSystemResolver(logger zerolog.Logger, qTypes []uint16) *SystemResolver {
	return &SystemResolver{
		logger:   logger,
		qTypes:   qTypes,
		resolver: &net.Resolver{PreferGo: true},
	}
}

func (sr *SystemResolver) Info() string {
	return "system"
}

func (sr *SystemResolver) Resolve(
	ctx context.Context,
	domain string,
) (RecordSet, error) {
	addrs, err := sr.resolver.LookupIPAddr(ctx, domain)
	if err != nil {
		return RecordSet{}, err
	}

	return RecordSet{addrs: filterAddrs(addrs, sr.qTypes)}, nil
}

// filterAddrs drops addresses of families that were not asked for and
// removes duplicates.
func filterAddrs(addrs []net.IPAddr, qTypes []uint16) []net.IPAddr {
	wantsA, wantsAAAA := false, false
	for _, qType := range qTypes {
		switch qType {
		case dns.TypeA:
			wantsA = true
		case dns.TypeAAAA:
			wantsAAAA = true
		}
	}

	seen := make(map[string]struct{}, len(addrs))
	filtered := make([]net.IPAddr, 0, len(addrs))

	for _, addr := range addrs {
		key := addr.IP.String()
		if _, dup := seen[key]; dup {
			continue
		}

		isIPv4 := addr.IP.To4() != nil
		if (wantsA && isIPv4) || (wantsAAAA && !isIPv4) {
			seen[key] = struct{}{}
			filtered = append(filtered, addr)
		}
	}

	return filtered
}
