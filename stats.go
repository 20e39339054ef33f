package offload

import (
	"sort"
	"sync"
	"time"
)

// latencyWindowSize is the number of recent samples kept per mode.
const latencyWindowSize = 100

// LatencyWindow is a fixed-size ring buffer of latency samples in milliseconds.
type LatencyWindow struct {
	Samples [latencyWindowSize]float64
	Count   int // valid samples, capped at len(Samples)
	Index   int // next write position
}

// AddSample records one latency in milliseconds, overwriting the oldest.
func (w *LatencyWindow) AddSample(ms float64) {
	w.Samples[w.Index] = ms
	w.Index = (w.Index + 1) % len(w.Samples)
	if w.Count < len(w.Samples) {
		w.Count++
	}
}

// GetStats returns mean, P95 and max over the valid samples. Zeros when empty.
func (w *LatencyWindow) GetStats() (mean, p95, max float64) {
	if w.Count == 0 {
		return 0, 0, 0
	}

	sorted := make([]float64, w.Count)
	copy(sorted, w.Samples[:w.Count])
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean = sum / float64(w.Count)
	max = sorted[w.Count-1]

	idx := int(float64(w.Count)*0.95+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= w.Count {
		idx = w.Count - 1
	}
	p95 = sorted[idx]
	return mean, p95, max
}

// Min returns the smallest valid sample, 0 when empty.
func (w *LatencyWindow) Min() float64 {
	if w.Count == 0 {
		return 0
	}
	min := w.Samples[0]
	for _, v := range w.Samples[1:w.Count] {
		if v < min {
			min = v
		}
	}
	return min
}

// LatencySummary summarizes completed inferences of one mode.
type LatencySummary struct {
	Completed uint64
	MeanMS    float64
	MinMS     float64
	P95MS     float64
	MaxMS     float64
	LastMS    float64
}

// ModeStats is the state of one execution path.
type ModeStats struct {
	Mode     Mode
	Pipeline PipelineState
	Pending  int

	// Expired counts requests that got no result within the mode's deadline.
	Expired uint64
	// Failed counts requests the pipeline reported as failed.
	Failed uint64

	Latency LatencySummary
}

// Stats compares the local and offloaded paths.
type Stats struct {
	Local     ModeStats
	Offloaded ModeStats

	// LiveTensorRequests is the number of built and unreleased requests.
	LiveTensorRequests int

	// DroppedCompletions counts callbacks from stopped, disposed or
	// superseded pipelines.
	DroppedCompletions uint64
}

// modeLatency is safe for concurrent use.
type modeLatency struct {
	mu        sync.Mutex
	window    LatencyWindow
	completed uint64
	last      float64
}

func (m *modeLatency) record(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	m.mu.Lock()
	m.window.AddSample(ms)
	m.completed++
	m.last = ms
	m.mu.Unlock()
}

func (m *modeLatency) summary() LatencySummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	mean, p95, max := m.window.GetStats()
	return LatencySummary{
		Completed: m.completed,
		MeanMS:    mean,
		MinMS:     m.window.Min(),
		P95MS:     p95,
		MaxMS:     max,
		LastMS:    m.last,
	}
}
