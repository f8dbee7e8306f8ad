package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// Unit tests (no ClickHouse required)

func TestNewClickHouseStorage_Defaults(t *testing.T) {
	s := NewClickHouseStorage(&ClickHouseConfig{Addresses: []string{"localhost:9000"}})

	if s.config.MaxOpenConns != 5 {
		t.Errorf("MaxOpenConns = %d, want 5", s.config.MaxOpenConns)
	}
	if s.config.DialTimeout != 5*time.Second {
		t.Errorf("DialTimeout = %v, want 5s", s.config.DialTimeout)
	}
	if s.config.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", s.config.RetentionDays)
	}
}

func TestClickHouseStorage_Options(t *testing.T) {
	s := NewClickHouseStorage(&ClickHouseConfig{
		Addresses:    []string{"ch-1:9000", "ch-2:9000"},
		Database:     "mailwatch",
		MaxOpenConns: 8,
		Compression:  true,
	})
	opts := s.options()

	if len(opts.Addr) != 2 || opts.Auth.Database != "mailwatch" {
		t.Errorf("addr/auth = %v %q", opts.Addr, opts.Auth.Database)
	}
	if opts.MaxIdleConns != 8 {
		t.Errorf("MaxIdleConns = %d, want it to follow MaxOpenConns", opts.MaxIdleConns)
	}
	if opts.Compression == nil || opts.Compression.Method != clickhouse.CompressionLZ4 {
		t.Error("expected LZ4 compression")
	}
	if len(opts.ClientInfo.Products) != 1 || opts.ClientInfo.Products[0].Name != "mailwatch" {
		t.Errorf("client info = %+v", opts.ClientInfo.Products)
	}

	plain := NewClickHouseStorage(&ClickHouseConfig{Addresses: []string{"ch:9000"}}).options()
	if plain.Compression != nil {
		t.Error("compression should be off by default")
	}
}

func TestClickHouseSchema_Retention(t *testing.T) {
	tables := clickhouseSchema(7)
	if len(tables) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(tables))
	}
	for _, tbl := range tables {
		if !strings.Contains(tbl.ddl, "INTERVAL 7 DAY") {
			t.Errorf("table %s missing retention TTL", tbl.table)
		}
		if !strings.Contains(tbl.ddl, "MergeTree") {
			t.Errorf("table %s should use MergeTree", tbl.table)
		}
	}
}

func TestSampleRow(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))

	t.Run("with system metrics", func(t *testing.T) {
		s := models.NewMetricSample("relay-1", models.RoleRelay, ts)
		s.System = &models.SystemMetrics{CPUPercent: 42, ProcessCount: 7}
		s.SetService("queueActive", 3)

		row := sampleRow(s)
		if len(row) != 13 {
			t.Fatalf("row has %d columns, want 13", len(row))
		}
		if row[3] != "2026-03-01T12:00:00.123456789+01:00" {
			t.Errorf("raw timestamp = %v", row[3])
		}
		if v := row[4].(*float64); *v != 42 {
			t.Errorf("cpu_percent = %v, want 42", *v)
		}
		if v := row[10].(*int64); *v != 7 {
			t.Errorf("process_count = %v, want 7", *v)
		}
		if svc := row[12].(map[string]float64); svc["queueActive"] != 3 {
			t.Errorf("service = %v", svc)
		}
	})

	t.Run("service only", func(t *testing.T) {
		s := &models.MetricSample{NodeID: "cache-1", NodeRole: models.RoleCache, Timestamp: ts}

		row := sampleRow(s)
		for i := 4; i < 12; i++ {
			if row[i] != nil {
				t.Errorf("column %d = %v, want nil", i, row[i])
			}
		}
		if svc := row[12].(map[string]float64); svc == nil {
			t.Error("service map must not be nil")
		}
	})
}

func TestWithTimeSeries_Nil(t *testing.T) {
	base := NewSQLiteStorage(":memory:")
	if got := WithTimeSeries(base, nil); got != Storage(base) {
		t.Error("WithTimeSeries(base, nil) should return base")
	}
}
