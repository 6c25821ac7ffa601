package backpressure

import (
	"testing"
	"time"

	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/metrics"
)

func newTestController() *Controller {
	return New(config.BackpressureConfig{
		LowThreshold:  1000,
		HighThreshold: 10000,
		Interval:      time.Second,
	}, metrics.New("test", nil))
}

func TestStateTransitionsUnderGrowingLag(t *testing.T) {
	c := newTestController()

	steps := []struct {
		lag  int64
		want State
	}{
		{500, Normal},
		{999, Normal},
		{1000, Throttled},
		{5000, Throttled},
		{9999, Throttled},
		{10000, Paused},
		{11000, Paused},
	}

	for _, step := range steps {
		c.ObserveLag(0, step.lag, 0)
		c.Evaluate()
		if got := c.StateOf(0); got != step.want {
			t.Errorf("lag=%d: expected state %v, got %v", step.lag, step.want, got)
		}
	}
}

func TestRecoveryRequiresHysteresis(t *testing.T) {
	c := newTestController()

	// Drive to PAUSED.
	c.ObserveLag(0, 20000, 0)
	c.Evaluate()
	if got := c.StateOf(0); got != Paused {
		t.Fatalf("Expected PAUSED, got %v", got)
	}

	// Falling below high but above low only steps down to THROTTLED.
	c.ObserveLag(0, 5000, 0)
	c.Evaluate()
	if got := c.StateOf(0); got != Throttled {
		t.Errorf("Expected THROTTLED at lag 5000, got %v", got)
	}

	// Still above low: stays THROTTLED, no flapping back to NORMAL.
	c.ObserveLag(0, 1500, 0)
	c.Evaluate()
	if got := c.StateOf(0); got != Throttled {
		t.Errorf("Expected THROTTLED at lag 1500, got %v", got)
	}

	// Only below low does it return to NORMAL.
	c.ObserveLag(0, 900, 0)
	c.Evaluate()
	if got := c.StateOf(0); got != Normal {
		t.Errorf("Expected NORMAL at lag 900, got %v", got)
	}
}

func TestPausedRecoversDirectlyToNormal(t *testing.T) {
	c := newTestController()

	c.ObserveLag(0, 20000, 0)
	c.Evaluate()
	c.ObserveLag(0, 100, 0)
	c.Evaluate()
	if got := c.StateOf(0); got != Normal {
		t.Errorf("Expected direct recovery to NORMAL, got %v", got)
	}
}

func TestQueueDepthThrottles(t *testing.T) {
	c := newTestController()

	// Lag is fine, but the output queue is saturated.
	c.ObserveLag(0, 10, 0)
	c.ObserveQueueDepth(15000)
	c.Evaluate()
	if got := c.StateOf(0); got != Paused {
		t.Errorf("Expected queue saturation to pause, got %v", got)
	}

	c.ObserveQueueDepth(0)
	c.Evaluate()
	if got := c.StateOf(0); got != Normal {
		t.Errorf("Expected recovery once the queue drains, got %v", got)
	}
}

func TestObserveLagClampsNegative(t *testing.T) {
	c := newTestController()

	// committed ahead of latest (empty partition) must not underflow.
	c.ObserveLag(0, 5, 10)
	c.Evaluate()
	if got := c.StateOf(0); got != Normal {
		t.Errorf("Expected NORMAL for clamped lag, got %v", got)
	}
}

func TestBatchSize(t *testing.T) {
	c := newTestController()

	if got := c.BatchSize(0, 500); got != 500 {
		t.Errorf("Expected full batch in NORMAL, got %d", got)
	}

	c.ObserveLag(0, 2000, 0)
	c.Evaluate()
	if got := c.BatchSize(0, 500); got != 250 {
		t.Errorf("Expected halved batch in THROTTLED, got %d", got)
	}
	if got := c.BatchSize(0, 1); got != 1 {
		t.Errorf("Expected minimum batch 1 in THROTTLED, got %d", got)
	}

	c.ObserveLag(0, 50000, 0)
	c.Evaluate()
	if got := c.BatchSize(0, 500); got != 0 {
		t.Errorf("Expected zero batch in PAUSED, got %d", got)
	}
}

func TestPartitionsAreIndependent(t *testing.T) {
	c := newTestController()

	c.ObserveLag(0, 50000, 0)
	c.ObserveLag(1, 10, 0)
	c.Evaluate()

	if got := c.StateOf(0); got != Paused {
		t.Errorf("Expected partition 0 PAUSED, got %v", got)
	}
	if got := c.StateOf(1); got != Normal {
		t.Errorf("Expected partition 1 NORMAL, got %v", got)
	}
}
