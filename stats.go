package kucoin

import (
	"fmt"
	"strings"
	"time"
)

// ControllerStats is a point-in-time snapshot of the admission state, for
// metrics export and periodic reports.
type ControllerStats struct {
	CurrentUsage  int64
	Capacity      int64
	UsagePercent  float64
	State         PressureState
	TradingUsage  int64
	ScanningUsage int64
	AdminUsage    int64
	QueueDepths   map[Priority]int

	TotalRequests     int64
	ThrottledRequests int64
	SlaViolations     int64
	CompletedRequests int64
	AvgQueueWait      time.Duration
	ScanInterval      time.Duration
}

// Stats snapshots the controller after evicting expired records.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(c.clock.Now())

	depths := make(map[Priority]int, int(numPriorities))
	for p := PriorityCritical; p < numPriorities; p++ {
		depths[p] = len(c.queues[p])
	}

	var waitTotal time.Duration
	for _, r := range c.records {
		waitTotal += r.queueWait
	}
	var avgWait time.Duration
	if len(c.records) > 0 {
		avgWait = waitTotal / time.Duration(len(c.records))
	}

	committed := c.committedLocked()
	return ControllerStats{
		CurrentUsage:      committed,
		Capacity:          c.cfg.Capacity,
		UsagePercent:      float64(committed) / float64(c.cfg.Capacity) * 100,
		State:             c.state,
		TradingUsage:      c.catWindow[CategoryTrading] + c.catReserved[CategoryTrading],
		ScanningUsage:     c.catWindow[CategoryScanning] + c.catReserved[CategoryScanning],
		AdminUsage:        c.catWindow[CategoryAdmin] + c.catReserved[CategoryAdmin],
		QueueDepths:       depths,
		TotalRequests:     c.totalRequests,
		ThrottledRequests: c.throttledRequests,
		SlaViolations:     c.slaViolations,
		CompletedRequests: c.completedRequests,
		AvgQueueWait:      avgWait,
		ScanInterval:      c.scanInterval,
	}
}

// Dashboard renders a multi-line status block for the periodic report loop.
func (s ControllerStats) Dashboard() string {
	var b strings.Builder
	fmt.Fprintf(&b, "─── rate controller ───────────────────────────\n")
	fmt.Fprintf(&b, " state: %s | usage: %.1f%% (%d/%d)\n",
		s.State, s.UsagePercent, s.CurrentUsage, s.Capacity)
	fmt.Fprintf(&b, " trading %d | scanning %d | admin %d\n",
		s.TradingUsage, s.ScanningUsage, s.AdminUsage)
	fmt.Fprintf(&b, " queues: critical %d, high %d, medium %d, low %d\n",
		s.QueueDepths[PriorityCritical], s.QueueDepths[PriorityHigh],
		s.QueueDepths[PriorityMedium], s.QueueDepths[PriorityLow])
	fmt.Fprintf(&b, " requests %d | throttled %d (%.1f%%) | sla violations %d\n",
		s.TotalRequests, s.ThrottledRequests, s.throttledPercent(), s.SlaViolations)
	fmt.Fprintf(&b, " avg queue wait %s | scan interval %s\n",
		s.AvgQueueWait.Round(time.Millisecond), s.ScanInterval)
	return b.String()
}

func (s ControllerStats) throttledPercent() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.ThrottledRequests) / float64(s.TotalRequests) * 100
}
