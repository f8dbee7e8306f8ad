package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// SystemProbe reads CPU, memory, load and disk usage from the host.
type SystemProbe struct {
	fs       procfs.FS
	diskPath string

	mu      sync.Mutex
	prevCPU *procfs.CPUStat
}

// NewSystemProbe creates a system probe reading procMount (usually /proc) and
// reporting disk usage of the filesystem holding diskPath.
func NewSystemProbe(procMount, diskPath string) (*SystemProbe, error) {
	if procMount == "" {
		procMount = procfs.DefaultMountPoint
	}
	if diskPath == "" {
		diskPath = "/"
	}
	pfs, err := procfs.NewFS(procMount)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &SystemProbe{fs: pfs, diskPath: diskPath}, nil
}

// Name returns "system".
func (p *SystemProbe) Name() string { return "system" }

// Collect fills sample.System.
func (p *SystemProbe) Collect(_ context.Context, sample *models.MetricSample) error {
	stat, err := p.fs.Stat()
	if err != nil {
		return fmt.Errorf("read stat: %w", err)
	}
	load, err := p.fs.LoadAvg()
	if err != nil {
		return fmt.Errorf("read loadavg: %w", err)
	}
	mem, err := p.fs.Meminfo()
	if err != nil {
		return fmt.Errorf("read meminfo: %w", err)
	}

	sys := &models.SystemMetrics{
		CPUPercent:    p.cpuPercent(stat.CPUTotal),
		MemoryPercent: memoryPercent(mem),
		Load1:         load.Load1,
		Load5:         load.Load5,
		Load15:        load.Load15,
		UptimeSeconds: time.Since(time.Unix(int64(stat.BootTime), 0)).Seconds(),
	}

	if procs, err := p.fs.AllProcs(); err == nil {
		sys.ProcessCount = len(procs)
	}

	disk, err := diskPercent(p.diskPath)
	if err != nil {
		return fmt.Errorf("statfs %s: %w", p.diskPath, err)
	}
	sys.DiskPercent = disk

	sample.System = sys
	return nil
}

// cpuPercent returns busy time since the previous call, or since boot on the first call.
func (p *SystemProbe) cpuPercent(cur procfs.CPUStat) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := procfs.CPUStat{}
	if p.prevCPU != nil {
		prev = *p.prevCPU
	}
	p.prevCPU = &cur

	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	total := cpuTotal(cur) - cpuTotal(prev)
	if total <= 0 {
		return 0
	}
	return clampPercent(100 * (total - idle) / total)
}

func cpuTotal(s procfs.CPUStat) float64 {
	return s.User + s.Nice + s.System + s.Idle + s.Iowait + s.IRQ + s.SoftIRQ + s.Steal
}

func memoryPercent(m procfs.Meminfo) float64 {
	if m.MemTotal == nil || *m.MemTotal == 0 {
		return 0
	}
	var avail uint64
	switch {
	case m.MemAvailable != nil:
		avail = *m.MemAvailable
	case m.MemFree != nil:
		avail = *m.MemFree
	}
	return clampPercent(100 * float64(*m.MemTotal-avail) / float64(*m.MemTotal))
}

func diskPercent(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	used := st.Blocks - st.Bfree
	denom := used + st.Bavail
	if denom == 0 {
		return 0, nil
	}
	return clampPercent(100 * float64(used) / float64(denom)), nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// QueueProbe counts messages in the Postfix queue directories.
type QueueProbe struct {
	spoolDir string
	queues   []string
}

// NewQueueProbe creates a queue probe for a Postfix spool directory.
func NewQueueProbe(spoolDir string) *QueueProbe {
	if spoolDir == "" {
		spoolDir = "/var/spool/postfix"
	}
	return &QueueProbe{
		spoolDir: spoolDir,
		queues:   []string{"incoming", "active", "deferred", "hold"},
	}
}

// Name returns "postfix_queue".
func (p *QueueProbe) Name() string { return "postfix_queue" }

// Collect sets queueIncoming, queueActive, queueDeferred and queueHold.
func (p *QueueProbe) Collect(ctx context.Context, sample *models.MetricSample) error {
	for _, q := range p.queues {
		n, err := countFiles(ctx, filepath.Join(p.spoolDir, q))
		if err != nil {
			return fmt.Errorf("count %s queue: %w", q, err)
		}
		sample.SetService("queue"+strings.ToUpper(q[:1])+q[1:], float64(n))
	}
	return nil
}

func countFiles(ctx context.Context, dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n, err
}

// SMTPProbe measures how long the local MTA takes to greet a client.
type SMTPProbe struct {
	addr string
}

// NewSMTPProbe creates a probe for host:port.
func NewSMTPProbe(addr string) *SMTPProbe {
	if addr == "" {
		addr = "127.0.0.1:25"
	}
	return &SMTPProbe{addr: addr}
}

// Name returns "smtp".
func (p *SMTPProbe) Name() string { return "smtp" }

// Collect sets smtpUp and smtpConnectMs.
func (p *SMTPProbe) Collect(ctx context.Context, sample *models.MetricSample) error {
	start := time.Now()
	sample.SetService("smtpUp", 0)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	host, _, _ := net.SplitHostPort(p.addr)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read greeting: %w", err)
	}
	elapsed := time.Since(start)
	client.Quit()

	sample.SetService("smtpUp", 1)
	sample.SetService("smtpConnectMs", float64(elapsed.Microseconds())/1000)
	return nil
}

// RedisProbe reads INFO from a cache node.
type RedisProbe struct {
	client *redis.Client
}

// RedisProbeConfig configures a RedisProbe.
type RedisProbeConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisProbe creates a probe for a Redis instance.
func NewRedisProbe(cfg RedisProbeConfig) *RedisProbe {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	return &RedisProbe{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// Name returns "redis".
func (p *RedisProbe) Name() string { return "redis" }

// Collect sets redisUp, memory, client and keyspace hit figures.
func (p *RedisProbe) Collect(ctx context.Context, sample *models.MetricSample) error {
	sample.SetService("redisUp", 0)

	info, err := p.client.Info(ctx, "memory", "clients", "stats").Result()
	if err != nil {
		return fmt.Errorf("redis info: %w", err)
	}
	kv := parseRedisInfo(info)

	sample.SetService("redisUp", 1)
	if v, ok := kv["used_memory"]; ok {
		sample.SetService("redisUsedMemoryBytes", v)
	}
	if v, ok := kv["connected_clients"]; ok {
		sample.SetService("redisConnectedClients", v)
	}
	hits, misses := kv["keyspace_hits"], kv["keyspace_misses"]
	sample.SetService("redisKeyspaceHitsTotal", hits)
	sample.SetService("redisKeyspaceMissesTotal", misses)
	if hits+misses > 0 {
		sample.SetService("redisHitRate", hits/(hits+misses))
	}
	return nil
}

// Close releases the Redis connection pool.
func (p *RedisProbe) Close() error {
	return p.client.Close()
}

func parseRedisInfo(info string) map[string]float64 {
	out := make(map[string]float64)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out[k] = f
	}
	return out
}

// RspamdProbe reads scan counters from the rspamd controller.
type RspamdProbe struct {
	url        string
	httpClient *http.Client
}

// NewRspamdProbe creates a probe for the controller base URL.
func NewRspamdProbe(baseURL string) *RspamdProbe {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11334"
	}
	return &RspamdProbe{
		url:        strings.TrimRight(baseURL, "/") + "/stat",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns "rspamd".
func (p *RspamdProbe) Name() string { return "rspamd" }

type rspamdStat struct {
	Scanned   float64 `json:"scanned"`
	SpamCount float64 `json:"spam_count"`
	HamCount  float64 `json:"ham_count"`
}

// Collect sets rspamdUp, rspamdScannedTotal and rspamdSpamRate.
func (p *RspamdProbe) Collect(ctx context.Context, sample *models.MetricSample) error {
	sample.SetService("rspamdUp", 0)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", p.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("rspamd stat: status %d, body: %s", resp.StatusCode, string(body))
	}

	var st rspamdStat
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode stat: %w", err)
	}

	sample.SetService("rspamdUp", 1)
	sample.SetService("rspamdScannedTotal", st.Scanned)
	if st.Scanned > 0 {
		sample.SetService("rspamdSpamRate", st.SpamCount/st.Scanned)
	}
	return nil
}
