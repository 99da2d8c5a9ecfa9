// Package monitor samples the system inventory, evaluates thresholds and
// raises alerts that can trigger tasks.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/debai/internal/model"
)

// Sample is one reading of the inventory.
type Sample struct {
	At           time.Time `json:"at"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemPercent   float64   `json:"mem_percent"`
	MemAvailable uint64    `json:"mem_available"`
	// DiskPercent is the used share per mount point.
	DiskPercent map[string]float64 `json:"disk_percent,omitempty"`
	Load1       float64            `json:"load1"`
	Load5       float64            `json:"load5"`
	Load15      float64            `json:"load15"`
	// Net is the traffic rate per interface since the previous sample.
	Net map[string]NetRate `json:"net,omitempty"`
}

// NetRate is the traffic of one interface in bytes per second.
type NetRate struct {
	RxBytesPerSec float64 `json:"rx_bytes_per_sec"`
	TxBytesPerSec float64 `json:"tx_bytes_per_sec"`
}

// Source supplies inventory samples.
type Source interface {
	Sample(ctx context.Context) (Sample, error)
}

// Metric names a value of a sample.
type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "memory"
	MetricDisk   Metric = "disk"
	MetricLoad1  Metric = "load1"
	MetricLoad5  Metric = "load5"
	MetricLoad15 Metric = "load15"
	MetricNetRx  Metric = "net_rx"
	MetricNetTx  Metric = "net_tx"
)

// valid reports whether m is a known metric.
func (m Metric) valid() bool {
	switch m {
	case MetricCPU, MetricMemory, MetricDisk, MetricLoad1, MetricLoad5, MetricLoad15, MetricNetRx, MetricNetTx:
		return true
	}
	return false
}

// values extracts the metric from s keyed by target. Scalar metrics use the
// empty target; disk is keyed by mount and network by interface.
func (m Metric) values(s Sample) map[string]float64 {
	switch m {
	case MetricCPU:
		return map[string]float64{"": s.CPUPercent}
	case MetricMemory:
		return map[string]float64{"": s.MemPercent}
	case MetricLoad1:
		return map[string]float64{"": s.Load1}
	case MetricLoad5:
		return map[string]float64{"": s.Load5}
	case MetricLoad15:
		return map[string]float64{"": s.Load15}
	case MetricDisk:
		return s.DiskPercent
	case MetricNetRx, MetricNetTx:
		out := make(map[string]float64, len(s.Net))
		for iface, rate := range s.Net {
			if m == MetricNetRx {
				out[iface] = rate.RxBytesPerSec
			} else {
				out[iface] = rate.TxBytesPerSec
			}
		}
		return out
	}
	return nil
}

// Policy decides when a breached threshold alerts.
type Policy string

const (
	// PolicyLevel alerts on every breaching sample.
	PolicyLevel Policy = "level"
	// PolicyEdge alerts only when a target goes from ok to breached.
	PolicyEdge Policy = "edge"
)

// Threshold is an alerting rule on one metric.
type Threshold struct {
	Name   string `json:"name" yaml:"name"`
	Metric Metric `json:"metric" yaml:"metric"`
	// Target restricts disk and network metrics to one mount or interface,
	// empty evaluates every one of them.
	Target string  `json:"target,omitempty" yaml:"target,omitempty"`
	Above  float64 `json:"above" yaml:"above"`
	Policy Policy  `json:"policy,omitempty" yaml:"policy,omitempty"`
	// Suppress is the minimum time between two alerts of the same target.
	Suppress time.Duration `json:"suppress,omitempty" yaml:"suppress,omitempty"`
	// TriggerTask is run with cause alert when the threshold alerts.
	TriggerTask string `json:"trigger_task,omitempty" yaml:"trigger_task,omitempty"`
}

// Validate checks the threshold definition.
func (t Threshold) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("threshold name is required: %w", model.ErrNotValid)
	}
	if !t.Metric.valid() {
		return fmt.Errorf("threshold %s has unknown metric %q: %w", t.Name, t.Metric, model.ErrNotValid)
	}
	switch t.Policy {
	case "", PolicyLevel, PolicyEdge:
	default:
		return fmt.Errorf("threshold %s has unknown policy %q: %w", t.Name, t.Policy, model.ErrNotValid)
	}
	if t.Suppress < 0 {
		return fmt.Errorf("threshold %s suppress window can't be negative: %w", t.Name, model.ErrNotValid)
	}
	return nil
}

// DefaultThresholds are the stock cpu, memory, disk and load rules. The load
// limit is the number of CPUs.
func DefaultThresholds(cpus int) []Threshold {
	return []Threshold{
		{Name: "cpu", Metric: MetricCPU, Above: 80},
		{Name: "memory", Metric: MetricMemory, Above: 85},
		{Name: "disk", Metric: MetricDisk, Above: 90},
		{Name: "load", Metric: MetricLoad1, Above: float64(max(cpus, 1))},
	}
}
