package monitor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/aristath/debai/internal/log"
)

// ProcSourceConfig is the configuration of the procfs inventory source.
type ProcSourceConfig struct {
	// ProcRoot is where procfs is mounted, defaults to /proc.
	ProcRoot string
	// Mounts are the mount points sampled for disk usage, defaults to "/".
	Mounts []string
	// Interfaces restricts network sampling, empty samples every interface but lo.
	Interfaces []string
	Logger     log.Logger
	TimeNow    func() time.Time

	// diskUsage is replaced in tests.
	diskUsage func(path string) (float64, error)
}

func (c *ProcSourceConfig) defaults() error {
	if c.ProcRoot == "" {
		c.ProcRoot = procfs.DefaultMountPoint
	}
	if len(c.Mounts) == 0 {
		c.Mounts = []string{"/"}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "monitor.ProcSource"})
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	if c.diskUsage == nil {
		c.diskUsage = diskUsage
	}
	return nil
}

// ProcSource samples the local machine through procfs and statfs. CPU and
// network figures are deltas against the previous sample.
type ProcSource struct {
	cfg    ProcSourceConfig
	fs     procfs.FS
	logger log.Logger

	mu      sync.Mutex
	prevCPU *procfs.CPUStat
	prevNet procfs.NetDev
	prevAt  time.Time
}

// NewProcSource returns a procfs backed Source.
func NewProcSource(cfg ProcSourceConfig) (*ProcSource, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	fs, err := procfs.NewFS(cfg.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("could not open procfs at %s: %w", cfg.ProcRoot, err)
	}
	return &ProcSource{cfg: cfg, fs: fs, logger: cfg.Logger}, nil
}

// Sample reads the current inventory.
func (p *ProcSource) Sample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.TimeNow()
	s := Sample{At: now}

	stat, err := p.fs.Stat()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read cpu stats: %w", err)
	}
	s.CPUPercent = cpuPercent(p.prevCPU, stat.CPUTotal)
	cpu := stat.CPUTotal
	p.prevCPU = &cpu

	mem, err := p.fs.Meminfo()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
		total, avail := *mem.MemTotal, *mem.MemAvailable
		s.MemPercent = float64(total-min(avail, total)) / float64(total) * 100
		s.MemAvailable = avail * 1024
	}

	load, err := p.fs.LoadAvg()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read load average: %w", err)
	}
	s.Load1, s.Load5, s.Load15 = load.Load1, load.Load5, load.Load15

	netdev, err := p.fs.NetDev()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read network counters: %w", err)
	}
	s.Net = p.netRates(netdev, now)
	p.prevNet, p.prevAt = netdev, now

	s.DiskPercent = make(map[string]float64, len(p.cfg.Mounts))
	for _, mount := range p.cfg.Mounts {
		used, err := p.cfg.diskUsage(mount)
		if err != nil {
			// A vanished mount shouldn't hide the rest of the sample.
			p.logger.Warningf("could not sample disk usage of %s: %s", mount, err)
			continue
		}
		s.DiskPercent[mount] = used
	}

	return s, nil
}

func (p *ProcSource) netRates(netdev procfs.NetDev, now time.Time) map[string]NetRate {
	rates := map[string]NetRate{}
	elapsed := now.Sub(p.prevAt).Seconds()
	for name, line := range netdev {
		if name == "lo" || (len(p.cfg.Interfaces) > 0 && !slices.Contains(p.cfg.Interfaces, name)) {
			continue
		}
		prev, ok := p.prevNet[name]
		if !ok || p.prevAt.IsZero() || elapsed <= 0 {
			rates[name] = NetRate{}
			continue
		}
		rates[name] = NetRate{
			RxBytesPerSec: counterDelta(prev.RxBytes, line.RxBytes) / elapsed,
			TxBytesPerSec: counterDelta(prev.TxBytes, line.TxBytes) / elapsed,
		}
	}
	return rates
}

// counterDelta treats a counter going backwards as a reset.
func counterDelta(prev, cur uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}

// cpuPercent is the busy share between two readings, or since boot without
// a previous one.
func cpuPercent(prev *procfs.CPUStat, cur procfs.CPUStat) float64 {
	idle := cur.Idle + cur.Iowait
	total := idle + cur.User + cur.Nice + cur.System + cur.IRQ + cur.SoftIRQ + cur.Steal
	if prev != nil {
		prevIdle := prev.Idle + prev.Iowait
		prevTotal := prevIdle + prev.User + prev.Nice + prev.System + prev.IRQ + prev.SoftIRQ + prev.Steal
		idle -= prevIdle
		total -= prevTotal
	}
	if total <= 0 {
		return 0
	}
	return (total - idle) / total * 100
}
