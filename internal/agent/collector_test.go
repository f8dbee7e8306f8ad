package agent

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

type staticProbe struct {
	name string
	key  string
	val  float64
	err  error
}

func (p *staticProbe) Name() string { return p.name }

func (p *staticProbe) Collect(_ context.Context, s *models.MetricSample) error {
	if p.err != nil {
		return p.err
	}
	s.SetService(p.key, p.val)
	return nil
}

func TestCollector_Collect(t *testing.T) {
	c := NewCollector("relay-1", models.RoleRelay,
		&staticProbe{name: "a", key: "queueActive", val: 3},
		&staticProbe{name: "b", err: errors.New("boom")},
		&staticProbe{name: "c", key: "smtpUp", val: 1},
	)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	s := c.Collect(context.Background())

	if s.NodeID != "relay-1" || s.NodeRole != models.RoleRelay {
		t.Errorf("unexpected identity %s/%s", s.NodeID, s.NodeRole)
	}
	if !s.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", s.Timestamp, fixed)
	}
	if s.Service["queueActive"] != 3 || s.Service["smtpUp"] != 1 {
		t.Errorf("service = %v", s.Service)
	}
	if c.ProbeErrors() != 1 {
		t.Errorf("ProbeErrors() = %d, want 1", c.ProbeErrors())
	}
}

func TestQueueProbe(t *testing.T) {
	dir := t.TempDir()
	files := map[string]int{"active": 2, "deferred": 5}
	for q, n := range files {
		sub := filepath.Join(dir, q, "A")
		if err := os.MkdirAll(sub, 0o755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			if err := os.WriteFile(filepath.Join(sub, string(rune('a'+i))), []byte("x"), 0o600); err != nil {
				t.Fatal(err)
			}
		}
	}

	s := models.NewMetricSample("relay-1", models.RoleRelay, time.Now())
	if err := NewQueueProbe(dir).Collect(context.Background(), s); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	want := map[string]float64{"queueActive": 2, "queueDeferred": 5, "queueIncoming": 0, "queueHold": 0}
	for k, v := range want {
		if s.Service[k] != v {
			t.Errorf("%s = %v, want %v", k, s.Service[k], v)
		}
	}
}

func TestSMTPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("220 mx.example.com ESMTP\r\n"))
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(strings.ToUpper(line), "QUIT") {
				conn.Write([]byte("221 bye\r\n"))
				return
			}
			conn.Write([]byte("250 ok\r\n"))
		}
	}()

	s := models.NewMetricSample("relay-1", models.RoleRelay, time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := NewSMTPProbe(ln.Addr().String()).Collect(ctx, s); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if s.Service["smtpUp"] != 1 {
		t.Errorf("smtpUp = %v, want 1", s.Service["smtpUp"])
	}
	if _, ok := s.Service["smtpConnectMs"]; !ok {
		t.Error("smtpConnectMs not set")
	}
}

func TestSMTPProbe_Down(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	s := models.NewMetricSample("relay-1", models.RoleRelay, time.Now())
	if err := NewSMTPProbe(addr).Collect(context.Background(), s); err == nil {
		t.Fatal("expected error for closed port")
	}
	if s.Service["smtpUp"] != 0 {
		t.Errorf("smtpUp = %v, want 0", s.Service["smtpUp"])
	}
}

func TestRspamdProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stat" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"scanned": 200, "spam_count": 50, "ham_count": 150}`))
	}))
	defer srv.Close()

	s := models.NewMetricSample("filter-1", models.RoleFilter, time.Now())
	if err := NewRspamdProbe(srv.URL).Collect(context.Background(), s); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if s.Service["rspamdSpamRate"] != 0.25 {
		t.Errorf("rspamdSpamRate = %v, want 0.25", s.Service["rspamdSpamRate"])
	}
	if s.Service["rspamdScannedTotal"] != 200 {
		t.Errorf("rspamdScannedTotal = %v, want 200", s.Service["rspamdScannedTotal"])
	}
}

func TestParseRedisInfo(t *testing.T) {
	info := "# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\n\r\n# Stats\r\nkeyspace_hits:90\r\nkeyspace_misses:10\r\n"
	kv := parseRedisInfo(info)

	if kv["used_memory"] != 1048576 {
		t.Errorf("used_memory = %v", kv["used_memory"])
	}
	if _, ok := kv["used_memory_human"]; ok {
		t.Error("non-numeric values should be skipped")
	}
	if kv["keyspace_hits"] != 90 || kv["keyspace_misses"] != 10 {
		t.Errorf("keyspace = %v/%v", kv["keyspace_hits"], kv["keyspace_misses"])
	}
}

func TestSystemProbe_Fixture(t *testing.T) {
	proc := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(proc, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("stat", "cpu  100 0 50 800 50 0 0 0 0 0\ncpu0 100 0 50 800 50 0 0 0 0 0\nbtime 1700000000\nprocesses 10\nprocs_running 1\nprocs_blocked 0\n")
	write("loadavg", "0.50 0.40 0.30 1/100 12345\n")
	write("meminfo", "MemTotal:        1000 kB\nMemFree:          100 kB\nMemAvailable:     250 kB\n")

	p, err := NewSystemProbe(proc, proc)
	if err != nil {
		t.Fatalf("NewSystemProbe() error: %v", err)
	}

	s := models.NewMetricSample("store-1", models.RoleStore, time.Now())
	if err := p.Collect(context.Background(), s); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	if s.System == nil {
		t.Fatal("System metrics not set")
	}
	if s.System.CPUPercent < 14.9 || s.System.CPUPercent > 15.1 {
		t.Errorf("CPUPercent = %v, want 15", s.System.CPUPercent)
	}
	if s.System.MemoryPercent < 74.9 || s.System.MemoryPercent > 75.1 {
		t.Errorf("MemoryPercent = %v, want 75", s.System.MemoryPercent)
	}
	if s.System.Load1 != 0.5 {
		t.Errorf("Load1 = %v, want 0.5", s.System.Load1)
	}
	if s.System.DiskPercent < 0 || s.System.DiskPercent > 100 {
		t.Errorf("DiskPercent = %v out of range", s.System.DiskPercent)
	}
}
