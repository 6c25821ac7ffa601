package backpressure

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/metrics"
)

// State is the per-partition throttle level.
type State int32

const (
	Normal State = iota
	Throttled
	Paused
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Throttled:
		return "THROTTLED"
	case Paused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

type partitionSignal struct {
	lag   atomic.Int64
	state atomic.Int32
}

// Controller watches consumer lag and output queue depth and publishes a
// throttle signal the readers consult before every pull. Observation is
// lock-free: workers write atomics, the periodic loop reads them and moves
// the state machine with hysteresis so the signal cannot oscillate around
// a threshold.
type Controller struct {
	low      int64
	high     int64
	interval time.Duration
	reg      *metrics.Registry

	partitions sync.Map // partition -> *partitionSignal
	queueDepth atomic.Int64
}

func New(cfg config.BackpressureConfig, reg *metrics.Registry) *Controller {
	return &Controller{
		low:      cfg.LowThreshold,
		high:     cfg.HighThreshold,
		interval: cfg.Interval,
		reg:      reg,
	}
}

func (c *Controller) signal(partition int) *partitionSignal {
	if v, ok := c.partitions.Load(partition); ok {
		return v.(*partitionSignal)
	}
	v, _ := c.partitions.LoadOrStore(partition, &partitionSignal{})
	return v.(*partitionSignal)
}

// ObserveLag records the difference between the latest available offset and
// the committed offset for a partition.
func (c *Controller) ObserveLag(partition int, latest, committed int64) {
	lag := latest - committed
	if lag < 0 {
		lag = 0
	}
	c.signal(partition).lag.Store(lag)
}

// ObserveQueueDepth records the current output queue depth. Saturation
// throttles every partition the same way lag does.
func (c *Controller) ObserveQueueDepth(n int) {
	c.queueDepth.Store(int64(n))
}

// StateOf returns the current throttle state for a partition.
func (c *Controller) StateOf(partition int) State {
	return State(c.signal(partition).state.Load())
}

// BatchSize adjusts the reader's per-pull batch under throttle: full size
// when NORMAL, halved when THROTTLED, zero when PAUSED.
func (c *Controller) BatchSize(partition, base int) int {
	switch c.StateOf(partition) {
	case Throttled:
		half := base / 2
		if half < 1 {
			half = 1
		}
		return half
	case Paused:
		return 0
	default:
		return base
	}
}

// Evaluate applies one control step across all partitions. Run calls this
// on the interval; tests call it directly.
func (c *Controller) Evaluate() {
	depth := c.queueDepth.Load()
	c.reg.SetGauge("backpressure", "queue_depth", float64(depth))

	paused := 0
	c.partitions.Range(func(k, v any) bool {
		partition := k.(int)
		sig := v.(*partitionSignal)

		input := sig.lag.Load()
		if depth > input {
			input = depth
		}

		cur := State(sig.state.Load())
		next := c.transition(cur, input)
		if next != cur {
			sig.state.Store(int32(next))
			log.Printf("[Backpressure] Partition %d: %s -> %s (lag=%d queue=%d)",
				partition, cur, next, sig.lag.Load(), depth)
			c.reg.Inc("backpressure", "transitions")
		}
		if next == Paused {
			paused++
		}
		c.reg.SetGauge("backpressure", "lag", float64(sig.lag.Load()))
		return true
	})
	c.reg.SetGauge("backpressure", "paused_partitions", float64(paused))
}

// transition moves the state machine with hysteresis: climbing crosses the
// thresholds upward, but recovery requires falling below the respective
// lower threshold, not merely below the one just crossed.
func (c *Controller) transition(cur State, signal int64) State {
	switch cur {
	case Normal:
		if signal >= c.high {
			return Paused
		}
		if signal >= c.low {
			return Throttled
		}
		return Normal
	case Throttled:
		if signal >= c.high {
			return Paused
		}
		if signal < c.low {
			return Normal
		}
		return Throttled
	case Paused:
		if signal < c.low {
			return Normal
		}
		if signal < c.high {
			return Throttled
		}
		return Paused
	default:
		return Normal
	}
}

// Run executes the periodic control loop until the context ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate()
		}
	}
}
