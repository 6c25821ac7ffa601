package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/event"
	"github.com/tkenna/streamcore/pkg/metrics"
)

// ErrLookupTimeout marks an enrichment fetch that exceeded its bounded
// timeout. The event goes to dead-letter instead of blocking the partition.
var ErrLookupTimeout = errors.New("lookup timed out")

// Lookup is the read-only external collaborator consulted for enrichment.
// ok=false is a miss, not an error.
type Lookup interface {
	Get(ctx context.Context, key string) (value any, ok bool, err error)
}

// Mapper is a user-supplied pure mapping applied after the configured rules.
// Returning (nil, nil) drops the event from the stream.
type Mapper func(e *event.Event) (*event.Event, error)

// Stage applies the configured filter predicates and enrichment rules to
// each event. It owns retry and classification for its own faults; whatever
// error escapes Process is terminal for that event and the caller routes it
// to dead-letter.
type Stage struct {
	filters []config.FilterRule
	rules   []config.EnrichRule
	lookup  Lookup
	timeout time.Duration
	retry   config.RetryConfig
	mapper  Mapper
	reg     *metrics.Registry
}

func New(cfg *config.AppConfig, lookup Lookup, reg *metrics.Registry) *Stage {
	return &Stage{
		filters: cfg.Filters,
		rules:   cfg.Enrich,
		lookup:  lookup,
		timeout: cfg.Lookup.Timeout,
		retry:   cfg.Retry,
		reg:     reg,
	}
}

// WithMapper installs a user-supplied mapping, applied after enrichment.
func (s *Stage) WithMapper(m Mapper) *Stage {
	s.mapper = m
	return s
}

// Process maps an event to zero or one transformed event. (nil, nil) means
// the event was filtered out; an error means the event is dead-letterable
// after the stage exhausted its own retries.
func (s *Stage) Process(ctx context.Context, e *event.Event) (*event.Event, error) {
	if !s.passesFilters(e) {
		s.reg.Inc("transform", "filtered")
		return nil, nil
	}

	out := e.Clone()
	for _, rule := range s.rules {
		if err := s.applyRule(ctx, out, rule); err != nil {
			return nil, err
		}
	}

	if s.mapper != nil {
		var mapped *event.Event
		op := func() error {
			var err error
			mapped, err = s.mapper(out)
			if err != nil && event.Classify(err) == event.ClassPermanent {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := backoff.Retry(op, s.newBackOff(ctx)); err != nil {
			s.reg.Inc("transform", "errors")
			return nil, err
		}
		if mapped == nil {
			s.reg.Inc("transform", "filtered")
			return nil, nil
		}
		out = mapped
	}

	s.reg.Inc("transform", "processed")
	return out, nil
}

func (s *Stage) passesFilters(e *event.Event) bool {
	for _, f := range s.filters {
		raw, ok := e.Payload[f.Field]
		if !ok {
			return false
		}
		switch f.Type {
		case "equals":
			if fmt.Sprintf("%v", raw) != fmt.Sprintf("%v", f.Value) {
				return false
			}
		case "range":
			v, numOk := asFloat(raw)
			if !numOk || v < f.Min || v > f.Max {
				return false
			}
		case "contains":
			if !strings.Contains(fmt.Sprintf("%v", raw), fmt.Sprintf("%v", f.Value)) {
				return false
			}
		}
	}
	return true
}

func (s *Stage) applyRule(ctx context.Context, e *event.Event, rule config.EnrichRule) error {
	switch rule.Type {
	case "timestamp":
		e.Payload[rule.Field] = time.Now().UTC().Format(time.RFC3339Nano)
	case "computed":
		if v, ok := asFloat(e.Payload[rule.Source]); ok {
			e.Payload[rule.Field] = v * rule.Multiplier
		}
	case "lookup":
		return s.enrichLookup(ctx, e, rule)
	default:
		return event.Permanent(fmt.Errorf("unknown enrich rule type %q", rule.Type))
	}
	return nil
}

// enrichLookup joins the external value for the event key. The fetch is
// synchronous with a bounded timeout; a timeout dead-letters the event, a
// transient fault is retried up to the configured attempts.
func (s *Stage) enrichLookup(ctx context.Context, e *event.Event, rule config.EnrichRule) error {
	if s.lookup == nil {
		return event.Permanent(fmt.Errorf("lookup rule %q configured without a lookup collaborator", rule.Field))
	}
	key := e.Key
	if rule.Source != "" {
		key = fmt.Sprintf("%v", e.Payload[rule.Source])
	}

	fetch := func() error {
		fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		value, ok, err := s.lookup.Get(fetchCtx, key)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
				s.reg.Inc("transform", "lookup_timeouts")
				return backoff.Permanent(event.Permanent(fmt.Errorf("%w: key %s", ErrLookupTimeout, key)))
			}
			if event.Classify(err) == event.ClassTransient {
				s.reg.Inc("transform", "lookup_retries")
				return err
			}
			return backoff.Permanent(event.Permanent(err))
		}
		if !ok {
			s.reg.Inc("transform", "lookup_misses")
			return nil
		}
		e.Payload[rule.Field] = value
		return nil
	}

	err := backoff.Retry(fetch, s.newBackOff(ctx))
	if err != nil {
		s.reg.Inc("transform", "errors")
		return err
	}
	return nil
}

func (s *Stage) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.BaseBackoff
	b.MaxInterval = s.retry.MaxBackoff
	b.MaxElapsedTime = 0
	retries := uint64(0)
	if s.retry.MaxAttempts > 1 {
		retries = uint64(s.retry.MaxAttempts - 1)
	}
	return backoff.WithMaxRetries(backoff.WithContext(b, ctx), retries)
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
