// Package dns resolves destination hostnames to IP addresses before
// the proxy dials out. Resolvers are composable; the cache resolver
// decorates either of the network-backed ones.
package dns

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"

	"github.com/miekg/dns"
)

type Resolver interface {
	// Resolve returns the addresses for a domain. Implementations must
	// honor context cancellation.
	Resolve(ctx context.Context, domain string) (RecordSet, error)

	// Info describes the resolver for startup logging.
	Info() string
}

// RecordSet holds resolved addresses together with the smallest TTL
// seen across the answer records.
type RecordSet struct {
	addrs []net.IPAddr
	ttl   uint32
}

func (rs RecordSet) Addrs() []net.IPAddr {
	return rs.addrs
}

func (rs RecordSet) TTL() uint32 {
	return rs.ttl
}

func (rs RecordSet) Count() int {
	return len(rs.addrs)
}

// QueryTypes returns the record types to ask for.
func QueryTypes(ipv4Only bool) []uint16 {
	if ipv4Only {
		return []uint16{dns.TypeA}
	}

	return []uint16{dns.TypeA, dns.TypeAAAA}
}

type exchangeFunc = func(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)

type msgEnvelope struct {
	msg *dns.Msg
	err error
}

func newMsg(domain string, qType uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qType)

	return msg
}

func recordTypeName(id uint16) string {
	switch id {
	case dns.TypeA:
		return "A"
	case dns.TypeAAAA:
		return "AAAA"
	}

	return strconv.FormatUint(uint64(id), 10)
}

func lookupType(
	ctx context.Context,
	domain string,
	queryType uint16,
	exchange exchangeFunc,
) *msgEnvelope {
	resMsg, err := exchange(ctx, newMsg(domain, queryType))
	if err != nil {
		err = fmt.Errorf(
			"resolving %s, query type %s: %w",
			domain, recordTypeName(queryType), err,
		)

		return &msgEnvelope{err: err}
	}

	return &msgEnvelope{msg: resMsg}
}

// lookupAllTypes fans one query per record type out in parallel.
func lookupAllTypes(
	ctx context.Context,
	domain string,
	qTypes []uint16,
	exchange exchangeFunc,
) <-chan *msgEnvelope {
	var wg sync.WaitGroup
	resCh := make(chan *msgEnvelope)

	for _, qType := range qTypes {
		wg.Add(1)

		go func(qType uint16) {
			defer wg.Done()

			select {
			case <-ctx.Done():
			case resCh <- lookupType(ctx, domain, qType, exchange):
			}
		}(qType)
	}

	go func() {
		wg.Wait()
		close(resCh)
	}()

	return resCh
}

func parseMsg(msg *dns.Msg) ([]net.IPAddr, uint32, bool) {
	var addrs []net.IPAddr
	minTTL := uint32(math.MaxUint32)
	ok := false

	for _, record := range msg.Answer {
		switch ipRecord := record.(type) {
		case *dns.A:
			ok = true
			addrs = append(addrs, net.IPAddr{IP: ipRecord.A})
			minTTL = min(minTTL, record.Header().Ttl)
		case *dns.AAAA:
			ok = true
			addrs = append(addrs, net.IPAddr{IP: ipRecord.AAAA})
			minTTL = min(minTTL, record.Header().Ttl)
		}
	}

	return addrs, minTTL, ok
}

func collectMessages(
	ctx context.Context,
	resCh <-chan *msgEnvelope,
) (RecordSet, error) {
	var errs []error
	var addrs []net.IPAddr

	minTTL := uint32(math.MaxUint32)
	found := false

	for result := range resCh {
		if result.err != nil {
			errs = append(errs, result.err)
			continue
		}

		resultAddrs, ttl, ok := parseMsg(result.msg)
		if ok {
			addrs = append(addrs, resultAddrs...)
			minTTL = min(minTTL, ttl)
			found = true
		}
	}

	select {
	case <-ctx.Done():
		return RecordSet{}, ctx.Err()
	default:
	}

	// Partial success is success; only fail when nothing resolved.
	if len(addrs) == 0 {
		if len(errs) > 0 {
			return RecordSet{}, errors.Join(errs...)
		}

		return RecordSet{}, fmt.Errorf("no records found for domain")
	}

	if !found {
		minTTL = 0
	}

	return RecordSet{addrs: addrs, ttl: minTTL}, nil
}

// LiteralRecordSet short-circuits resolution for hosts that are
// already IP literals.
func LiteralRecordSet(host string) (RecordSet, bool) {
	ip := net.ParseIP(host)
	if ip == nil {
		return RecordSet{}, false
	}

	return RecordSet{addrs: []net.IPAddr{{IP: ip}}}, true
}
