package session

import (
	"sync"
	"time"

	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/modality"
)

// Stats are the per-session counters reported on the final event and in the
// journal summary.
type Stats struct {
	FramesIn  int64
	FramesOut int64
	Dropped   int64
	AudioIn   time.Duration
	AudioOut  time.Duration
	TextIn    int64
	TextOut   int64

	// Usage holds backend usage summed by record name, in first-seen order.
	Usage []modality.UsageRecord
}

type statsCollector struct {
	mu      sync.Mutex
	s       Stats
	usage   map[string]int
	textSeq uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{usage: make(map[string]int)}
}

func (c *statsCollector) addIn(f audio.Frame) {
	c.mu.Lock()
	c.s.FramesIn++
	c.s.AudioIn += f.Duration()
	c.mu.Unlock()
}

func (c *statsCollector) addOut(f audio.Frame) {
	c.mu.Lock()
	c.s.FramesOut++
	c.s.AudioOut += f.Duration()
	c.mu.Unlock()
}

func (c *statsCollector) addDropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.Dropped++
	return c.s.Dropped
}

func (c *statsCollector) addTextIn() {
	c.mu.Lock()
	c.s.TextIn++
	c.mu.Unlock()
}

func (c *statsCollector) addTextOut() {
	c.mu.Lock()
	c.s.TextOut++
	c.mu.Unlock()
}

func (c *statsCollector) nextTextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.textSeq
	c.textSeq++
	return n
}

func (c *statsCollector) addUsage(recs []modality.UsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range recs {
		i, ok := c.usage[r.Name]
		if !ok {
			c.usage[r.Name] = len(c.s.Usage)
			c.s.Usage = append(c.s.Usage, r)
			continue
		}
		c.s.Usage[i].Count += r.Count
		c.s.Usage[i].Duration += r.Duration
	}
}

func (c *statsCollector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.s
	s.Usage = append([]modality.UsageRecord(nil), c.s.Usage...)
	return s
}
