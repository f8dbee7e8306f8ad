package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// Resolver is the subset of net.Resolver the DNSBL prober uses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSBLProber checks a resource against a DNS blocklist zone.
type DNSBLProber struct {
	resolver Resolver
	now      func() time.Time
}

// NewDNSBLProber creates a prober. A nil resolver uses net.DefaultResolver.
func NewDNSBLProber(r Resolver) *DNSBLProber {
	if r == nil {
		r = net.DefaultResolver
	}
	return &DNSBLProber{resolver: r, now: time.Now}
}

// Check looks up the reversed address under the provider zone. An answer in
// 127.0.0.0/8 means listed, NXDOMAIN means clean, anything else is indeterminate.
func (p *DNSBLProber) Check(ctx context.Context, res models.Resource, prov Provider) models.HealthCheckResult {
	start := p.now()
	result := models.HealthCheckResult{
		Resource: res.Address,
		NodeID:   res.NodeID,
		Provider: prov.Name,
		Tier:     prov.Tier,
	}
	finish := func(outcome models.Outcome, err error) models.HealthCheckResult {
		result.Outcome = outcome
		result.Listed = outcome == models.OutcomeListed
		result.CheckedAt = p.now()
		result.Latency = result.CheckedAt.Sub(start)
		if err != nil {
			result.Error = err.Error()
		}
		return result
	}

	query, err := ReverseQuery(res.Address, prov.Zone)
	if err != nil {
		return finish(models.OutcomeIndeterminate, &ProbeError{Provider: prov.Name, Resource: res.Address, Err: err})
	}

	addrs, err := p.resolver.LookupHost(ctx, query)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return finish(models.OutcomeClean, nil)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrProbeTimeout
		}
		return finish(models.OutcomeIndeterminate, &ProbeError{Provider: prov.Name, Resource: res.Address, Err: err})
	}

	return finish(classifyAnswer(addrs))
}

// classifyAnswer maps A records to an outcome. 127.255.255.0/24 is the
// conventional "query refused" range and does not count as a listing.
func classifyAnswer(addrs []string) (models.Outcome, error) {
	listed := false
	for _, a := range addrs {
		ip, err := netip.ParseAddr(a)
		if err != nil || !ip.Is4() {
			continue
		}
		b := ip.As4()
		if b[0] != 127 {
			continue
		}
		if b[1] == 255 && b[2] == 255 {
			return models.OutcomeIndeterminate, fmt.Errorf("provider refused query: %s", a)
		}
		listed = true
	}
	if listed {
		return models.OutcomeListed, nil
	}
	return models.OutcomeIndeterminate, fmt.Errorf("unexpected answer %v", addrs)
}

// ReverseQuery builds the DNSBL query name for an IPv4 or IPv6 address.
func ReverseQuery(address, zone string) (string, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}
	zone = strings.Trim(zone, ".")
	if zone == "" {
		return "", errors.New("empty zone")
	}

	var sb strings.Builder
	if ip.Is4() || ip.Is4In6() {
		b := ip.Unmap().As4()
		for i := 3; i >= 0; i-- {
			fmt.Fprintf(&sb, "%d.", b[i])
		}
	} else {
		const hexDigits = "0123456789abcdef"
		b := ip.As16()
		for i := 15; i >= 0; i-- {
			sb.WriteByte(hexDigits[b[i]&0x0f])
			sb.WriteByte('.')
			sb.WriteByte(hexDigits[b[i]>>4])
			sb.WriteByte('.')
		}
	}
	sb.WriteString(zone)
	return sb.String(), nil
}
