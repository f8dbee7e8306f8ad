package scanner

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

type fakeResolver struct {
	answers map[string][]string
	err     error
	queries []string
}

func (f *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	f.queries = append(f.queries, host)
	if f.err != nil {
		return nil, f.err
	}
	if a, ok := f.answers[host]; ok {
		return a, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestReverseQuery(t *testing.T) {
	tests := []struct {
		addr    string
		zone    string
		want    string
		wantErr bool
	}{
		{"192.0.2.10", "zen.spamhaus.org", "10.2.0.192.zen.spamhaus.org", false},
		{"192.0.2.10", ".bl.example.", "10.2.0.192.bl.example", false},
		{"::ffff:192.0.2.10", "bl.example", "10.2.0.192.bl.example", false},
		{"2001:db8::1", "bl.example", "1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.bl.example", false},
		{"mx.example.com", "bl.example", "", true},
		{"192.0.2.10", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.addr+"/"+tt.zone, func(t *testing.T) {
			got, err := ReverseQuery(tt.addr, tt.zone)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReverseQuery() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ReverseQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDNSBLProber_Check(t *testing.T) {
	prov := Provider{Name: "spamhaus", Zone: "zen.spamhaus.org", Tier: models.TierCritical, Enabled: true}
	res := models.Resource{Address: "192.0.2.10", NodeID: "relay-1"}
	query := "10.2.0.192.zen.spamhaus.org"

	tests := []struct {
		name     string
		resolver *fakeResolver
		want     models.Outcome
		wantErr  bool
	}{
		{"clean", &fakeResolver{}, models.OutcomeClean, false},
		{"listed", &fakeResolver{answers: map[string][]string{query: {"127.0.0.2"}}}, models.OutcomeListed, false},
		{"refused", &fakeResolver{answers: map[string][]string{query: {"127.255.255.254"}}}, models.OutcomeIndeterminate, true},
		{"odd answer", &fakeResolver{answers: map[string][]string{query: {"10.0.0.1"}}}, models.OutcomeIndeterminate, true},
		{"servfail", &fakeResolver{err: &net.DNSError{Err: "server misbehaving", IsTemporary: true}}, models.OutcomeIndeterminate, true},
		{"deadline", &fakeResolver{err: context.DeadlineExceeded}, models.OutcomeIndeterminate, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewDNSBLProber(tt.resolver)
			got := p.Check(context.Background(), res, prov)

			if got.Outcome != tt.want {
				t.Errorf("Outcome = %s, want %s", got.Outcome, tt.want)
			}
			if got.Listed != (tt.want == models.OutcomeListed) {
				t.Errorf("Listed = %v for outcome %s", got.Listed, got.Outcome)
			}
			if (got.Error != "") != tt.wantErr {
				t.Errorf("Error = %q, wantErr %v", got.Error, tt.wantErr)
			}
			if got.Provider != "spamhaus" || got.Tier != models.TierCritical || got.NodeID != "relay-1" {
				t.Errorf("result metadata = %+v", got)
			}
			if got.CheckedAt.IsZero() {
				t.Error("CheckedAt not set")
			}
			if len(tt.resolver.queries) != 1 || tt.resolver.queries[0] != query {
				t.Errorf("queries = %v, want [%s]", tt.resolver.queries, query)
			}
		})
	}
}

func TestDNSBLProber_DeadlineIsProbeTimeout(t *testing.T) {
	p := NewDNSBLProber(&fakeResolver{err: context.DeadlineExceeded})
	got := p.Check(context.Background(), models.Resource{Address: "192.0.2.1"}, Provider{Name: "x", Zone: "x.example"})
	if !strings.Contains(got.Error, ErrProbeTimeout.Error()) {
		t.Errorf("Error = %q, want probe timeout", got.Error)
	}
}

func TestProbeError_Unwrap(t *testing.T) {
	err := error(&ProbeError{Provider: "p", Resource: "r", Err: ErrProbeTimeout})
	if !errors.Is(err, ErrProbeTimeout) {
		t.Error("ProbeError should unwrap to ErrProbeTimeout")
	}
	var pe *ProbeError
	if !errors.As(err, &pe) || pe.Provider != "p" {
		t.Errorf("errors.As failed: %v", err)
	}
}
