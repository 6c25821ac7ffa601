package health

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/metrics"
)

// Status bands derived from the overall score.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Component weights for the overall score. The committer weighs heaviest:
// a halted sink is the failure mode that loses the pipeline its delivery
// guarantee headroom.
var componentWeights = map[string]float64{
	"reader":       0.20,
	"transform":    0.20,
	"window":       0.20,
	"commit":       0.30,
	"backpressure": 0.10,
}

// Score is one health computation with its per-component breakdown.
type Score struct {
	Pipeline   string             `json:"pipeline"`
	Score      float64            `json:"score"`
	Status     string             `json:"status"`
	Components map[string]float64 `json:"components"`
	ComputedAt time.Time          `json:"computed_at"`
}

// Alert is dispatched to the external notification collaborator. Transport
// is out of scope; the notifier owns delivery.
type Alert struct {
	ID       string    `json:"id"`
	Pipeline string    `json:"pipeline"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	Score    float64   `json:"score"`
	At       time.Time `json:"at"`
}

// Notifier is the alert-transport collaborator.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Monitor recomputes the pipeline health score on a fixed interval from
// metric deltas: each computation consumes only the samples emitted since
// the previous one. It never touches the data path.
type Monitor struct {
	pipeline  string
	reg       *metrics.Registry
	interval  time.Duration
	threshold float64
	histSize  int
	notifier  Notifier

	mu       sync.Mutex
	history  []Score
	lastSnap map[string]float64
	breached bool
	entropy  *ulid.MonotonicEntropy
}

func New(pipeline string, cfg config.HealthConfig, reg *metrics.Registry, notifier Notifier) *Monitor {
	return &Monitor{
		pipeline:  pipeline,
		reg:       reg,
		interval:  cfg.Interval,
		threshold: cfg.AlertThreshold,
		histSize:  cfg.HistorySize,
		notifier:  notifier,
		lastSnap:  make(map[string]float64),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Run executes the periodic computation until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			score := m.Compute()
			log.Printf("[Health] %s score=%.1f status=%s", m.pipeline, score.Score, score.Status)
			m.maybeAlert(ctx, score)
		}
	}
}

// Compute takes a metrics snapshot, diffs it against the previous one and
// folds the deltas into the weighted overall score. The snapshot becomes
// the new baseline: each interval's samples are scored exactly once.
func (m *Monitor) Compute() Score {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.reg.Snapshot()
	score := m.scoreLocked(snap)

	m.lastSnap = snap
	m.history = append(m.history, score)
	if m.histSize > 0 && len(m.history) > m.histSize {
		m.history = m.history[len(m.history)-m.histSize:]
	}
	m.reg.SetGauge("health", "score", score.Score)
	return score
}

// Preview scores the interval so far without moving the baseline, so an
// on-demand read never steals the deltas the next periodic computation
// would fold in.
func (m *Monitor) Preview() Score {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scoreLocked(m.reg.Snapshot())
}

func (m *Monitor) scoreLocked(snap map[string]float64) Score {
	delta := func(name string) float64 {
		d := snap[name] - m.lastSnap[name]
		if d < 0 {
			d = 0
		}
		return d
	}

	components := make(map[string]float64, len(componentWeights))
	components["reader"] = ratioScore(
		delta("reader.errors"),
		delta("reader.events_read"))
	components["transform"] = ratioScore(
		delta("transform.errors")+delta("transform.lookup_timeouts"),
		delta("transform.processed")+delta("transform.filtered"))
	components["window"] = ratioScore(
		delta("window.late_events"),
		delta("window.events_applied"))
	components["commit"] = ratioScore(
		delta("commit.retries")+100*delta("commit.halts"),
		delta("commit.committed"))
	if snap["backpressure.paused_partitions"] > 0 {
		components["backpressure"] = 40
	} else if snap["backpressure.queue_depth"] > 0 {
		components["backpressure"] = 80
	} else {
		components["backpressure"] = 100
	}

	overall := 0.0
	for name, weight := range componentWeights {
		overall += components[name] * weight
	}

	return Score{
		Pipeline:   m.pipeline,
		Score:      overall,
		Status:     statusFor(overall),
		Components: components,
		ComputedAt: time.Now().UTC(),
	}
}

// Latest returns the most recent score, ok=false before the first
// computation.
func (m *Monitor) Latest() (Score, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Score{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns the bounded score history, oldest first.
func (m *Monitor) History() []Score {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Score, len(m.history))
	copy(out, m.history)
	return out
}

// maybeAlert dispatches on a downward threshold crossing only, so a
// pipeline sitting below the threshold does not alert every interval.
func (m *Monitor) maybeAlert(ctx context.Context, score Score) {
	m.mu.Lock()
	crossed := score.Score < m.threshold && !m.breached
	m.breached = score.Score < m.threshold
	m.mu.Unlock()

	if !crossed {
		return
	}
	m.dispatch(ctx, "warning",
		"pipeline health dropped below threshold", score.Score)
}

// RaiseFatal dispatches an operator-action alert immediately, bypassing the
// interval. The committer uses this when a partition halts.
func (m *Monitor) RaiseFatal(component string, err error) {
	m.reg.Inc("health", "fatal_alerts")
	m.dispatch(context.Background(), "critical", component+": "+err.Error(), 0)
}

// dispatch is fire-and-forget: a failing notifier is logged and counted,
// never allowed back into the data path.
func (m *Monitor) dispatch(ctx context.Context, severity, message string, score float64) {
	if m.notifier == nil {
		return
	}
	m.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
	m.mu.Unlock()

	alert := Alert{
		ID:       id,
		Pipeline: m.pipeline,
		Severity: severity,
		Message:  message,
		Score:    score,
		At:       time.Now().UTC(),
	}
	go func() {
		if err := m.notifier.Notify(ctx, alert); err != nil {
			log.Printf("[Health] Alert dispatch failed: %v", err)
			m.reg.Inc("health", "alert_failures")
		} else {
			m.reg.Inc("health", "alerts_sent")
		}
	}()
}

// ratioScore maps an error fraction onto 0-100. No activity scores a
// perfect 100: an idle pipeline is not an unhealthy one.
func ratioScore(failures, successes float64) float64 {
	total := failures + successes
	if total == 0 {
		return 100
	}
	score := 100 * (1 - failures/total)
	if score < 0 {
		return 0
	}
	return score
}

func statusFor(score float64) string {
	switch {
	case score > 80:
		return StatusHealthy
	case score > 60:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}
