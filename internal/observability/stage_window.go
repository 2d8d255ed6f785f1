package observability

import (
	"cmp"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Turn stage names recorded by the conversation pipeline.
const (
	StageTranscription  = "input_to_transcript"
	StageFirstSentence  = "input_to_first_sentence"
	StageFirstAudio     = "input_to_first_audio"
	StageSynthesisDrain = "generation_end_to_drained"
	StageTurnTotal      = "turn_total"
)

// DefaultStageTargets are the p95 budgets, in milliseconds, reported next to
// each stage on /debug/stages.
var DefaultStageTargets = map[string]float64{
	StageTranscription: 800,
	StageFirstSentence: 1200,
	StageFirstAudio:    2000,
	StageTurnTotal:     12000,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

type StageCounter struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Counters    []StageCounter `json:"counters,omitempty"`
}

// StageWindow keeps the most recent latency samples per turn stage plus a
// set of plain event counters. A nil *StageWindow ignores everything.
type StageWindow struct {
	size    int
	targets map[string]float64

	mu       sync.Mutex
	rings    map[string]*sampleRing
	counters map[string]int
}

// sampleRing overwrites its oldest sample once full.
type sampleRing struct {
	buf  []float64
	head int
	n    int
}

func (r *sampleRing) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *sampleRing) last() float64 {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

func (r *sampleRing) sorted() []float64 {
	out := slices.Clone(r.buf[:r.n])
	slices.Sort(out)
	return out
}

func NewStageWindow(size int) *StageWindow {
	return NewStageWindowWithTargets(size, DefaultStageTargets)
}

func NewStageWindowWithTargets(size int, targets map[string]float64) *StageWindow {
	if size <= 0 {
		size = 256
	}
	return &StageWindow{
		size:     size,
		targets:  maps.Clone(targets),
		rings:    make(map[string]*sampleRing),
		counters: make(map[string]int),
	}
}

func (w *StageWindow) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &sampleRing{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.push(float64(d.Microseconds()) / 1000)
}

// Count bumps a named event counter, e.g. a turn outcome.
func (w *StageWindow) Count(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.counters[name]++
	w.mu.Unlock()
}

func (w *StageWindow) Snapshot() StageSnapshot {
	snap := StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	if w == nil {
		return snap
	}
	snap.WindowSize = w.size

	w.mu.Lock()
	defer w.mu.Unlock()
	for stage, r := range w.rings {
		if r.n == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, w.stats(stage, r))
	}
	for name, n := range w.counters {
		snap.Counters = append(snap.Counters, StageCounter{Name: name, Count: n})
	}
	slices.SortFunc(snap.Stages, func(a, b StageStats) int { return cmp.Compare(a.Stage, b.Stage) })
	slices.SortFunc(snap.Counters, func(a, b StageCounter) int { return cmp.Compare(a.Name, b.Name) })
	return snap
}

func (w *StageWindow) stats(stage string, r *sampleRing) StageStats {
	samples := r.sorted()
	target := w.targets[stage]
	var sum float64
	over := 0
	for _, v := range samples {
		sum += v
		if target > 0 && v > target {
			over++
		}
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(samples),
		LastMS:      round2(r.last()),
		AvgMS:       round2(sum / float64(len(samples))),
		P50MS:       round2(quantile(samples, 0.50)),
		P95MS:       round2(quantile(samples, 0.95)),
		MaxMS:       round2(samples[len(samples)-1]),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

// quantile interpolates linearly between the two nearest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
