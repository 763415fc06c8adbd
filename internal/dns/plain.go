package dns

import (
	"context"
	"net"
	"strconv"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

var _ Resolver = (*PlainResolver)(nil)

// PlainResolver queries a configured upstream DNS server over UDP.
type PlainResolver struct {
	logger zerolog.Logger

	upstream string
	qTypes   []uint16

	client *dns.Client
}

func NewPlainResolver(
	logger zerolog.Logger,
	server net.IP,
	port uint16,
	qTypes []uint16,
) *PlainResolver {
	return &PlainResolver{
		logger:   logger,
		upstream: net.JoinHostPort(server.String(), strconv.Itoa(int(port))),
		qTypes:   qTypes,
		client:   &dns.Client{},
	}
}

func (pr *PlainResolver) Info() string {
	return "plain; dst=" + pr.upstream
}

func (pr *PlainResolver) Resolve(
	ctx context.Context,
	domain string,
) (RecordSet, error) {
	resCh := lookupAllTypes(ctx, domain, pr.qTypes, pr.exchange)
	return collectMessages(ctx, resCh)
}

func (pr *PlainResolver) exchange(
	ctx context.Context,
	msg *dns.Msg,
) (*dns.Msg, error) {
	resp, _, err := pr.client.ExchangeContext(ctx, msg, pr.upstream)
	return resp, err
}
