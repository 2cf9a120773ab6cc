package stats

import (
	"math"
	"sync"
	"sync/atomic"
)

// MemoryFactory keeps every metric in process so it can be inspected with
// Snapshot. Asking twice for the same kind, metric and tags returns the same
// stat. Each kind has its own namespace, so a counter and a summary may share
// a name.
type MemoryFactory struct {
	mu        sync.Mutex
	counters  map[string]*memoryGauge
	gauges    map[string]*memoryGauge
	summaries map[string]*memorySummary
}

func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{
		counters:  make(map[string]*memoryGauge),
		gauges:    make(map[string]*memoryGauge),
		summaries: make(map[string]*memorySummary),
	}
}

func (f *MemoryFactory) NewCounter(
	metric string,
	tags map[string]string) CounterStat {

	return f.gauge(f.counters, Key(metric, tags))
}

func (f *MemoryFactory) NewGauge(
	metric string,
	tags map[string]string) GaugeStat {

	return f.gauge(f.gauges, Key(metric, tags))
}

// Summaries are reported in the snapshot as "<key>.count" and "<key>.sum".
func (f *MemoryFactory) NewSummary(
	metric string,
	tags map[string]string) SummaryStat {

	key := Key(metric, tags)
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.summaries[key]
	if !ok {
		s = &memorySummary{}
		f.summaries[key] = s
	}
	return s
}

func (f *MemoryFactory) gauge(
	m map[string]*memoryGauge,
	key string) *memoryGauge {

	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := m[key]
	if !ok {
		g = &memoryGauge{}
		m[key] = g
	}
	return g
}

// Snapshot returns the current value of every metric. Counters come first,
// then gauges, then summaries; a name already taken by an earlier kind gets
// a "#gauge" or "#summary" suffix.
func (f *MemoryFactory) Snapshot() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make(map[string]float64,
		len(f.counters)+len(f.gauges)+2*len(f.summaries))
	put := func(key, kind string, v float64) {
		if _, taken := snapshot[key]; taken {
			key += "#" + kind
		}
		snapshot[key] = v
	}
	for k, c := range f.counters {
		put(k, "counter", c.Get())
	}
	for k, g := range f.gauges {
		put(k, "gauge", g.Get())
	}
	for k, s := range f.summaries {
		put(k+".count", "summary", s.count.Get())
		put(k+".sum", "summary", s.sum.Get())
	}
	return snapshot
}

// Stores float64 bits so that concurrent updates never lose increments.
type memoryGauge struct {
	bits uint64
}

func (g *memoryGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

func (g *memoryGauge) Set(v float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(v))
}

func (g *memoryGauge) Add(delta float64) {
	for {
		old := atomic.LoadUint64(&g.bits)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(&g.bits, old, next) {
			return
		}
	}
}

func (g *memoryGauge) Sub(delta float64) { g.Add(-delta) }
func (g *memoryGauge) Inc()              { g.Add(1) }
func (g *memoryGauge) Dec()              { g.Add(-1) }

type memorySummary struct {
	count memoryGauge
	sum   memoryGauge
}

func (s *memorySummary) Observe(v float64) {
	s.count.Inc()
	s.sum.Add(v)
}
