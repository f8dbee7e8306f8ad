package server

import (
	"math"
	"strings"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// DefaultMaxSkew is how far into the future a sample timestamp may lie.
const DefaultMaxSkew = 5 * time.Minute

// ValidateSample checks required fields and value ranges of one sample.
// index is the position of the sample in its batch. The timestamp is only
// bounds-checked, never rewritten.
func ValidateSample(index int, s *models.MetricSample, now time.Time, maxSkew time.Duration) error {
	invalid := func(field, reason string) error {
		return &ValidationError{Index: index, Field: field, Reason: reason}
	}

	if strings.TrimSpace(s.NodeID) == "" {
		return invalid("nodeId", "required")
	}
	if !s.NodeRole.IsValid() {
		return invalid("nodeRole", "unknown role "+quote(string(s.NodeRole)))
	}
	if s.Timestamp.IsZero() {
		return invalid("timestamp", "required")
	}
	if maxSkew > 0 && s.Timestamp.After(now.Add(maxSkew)) {
		return invalid("timestamp", "too far in the future")
	}
	if s.System == nil && len(s.Service) == 0 {
		return invalid("", "sample carries no measurements")
	}

	if sys := s.System; sys != nil {
		percents := []struct {
			field string
			v     float64
		}{
			{"system.cpuPercent", sys.CPUPercent},
			{"system.memoryPercent", sys.MemoryPercent},
			{"system.diskPercent", sys.DiskPercent},
		}
		for _, p := range percents {
			if !finite(p.v) {
				return invalid(p.field, "must be a finite number")
			}
			if p.v < 0 || p.v > 100 {
				return invalid(p.field, "must be between 0 and 100")
			}
		}

		nonNegative := []struct {
			field string
			v     float64
		}{
			{"system.load1", sys.Load1},
			{"system.load5", sys.Load5},
			{"system.load15", sys.Load15},
			{"system.processCount", float64(sys.ProcessCount)},
			{"system.uptimeSeconds", sys.UptimeSeconds},
		}
		for _, n := range nonNegative {
			if !finite(n.v) {
				return invalid(n.field, "must be a finite number")
			}
			if n.v < 0 {
				return invalid(n.field, "must not be negative")
			}
		}
	}

	for name, v := range s.Service {
		if strings.TrimSpace(name) == "" {
			return invalid("service", "field name must not be empty")
		}
		if !finite(v) {
			return invalid("service."+name, "must be a finite number")
		}
	}

	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func quote(s string) string {
	return "\"" + s + "\""
}
