package event

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"transient wrap", Transient(errors.New("broker gone")), ClassTransient},
		{"permanent wrap", Permanent(errors.New("bad payload")), ClassPermanent},
		{"resource wrap", Resource(errors.New("sink down")), ClassResource},
		{"fatal wrap", Fatal(errors.New("auth rejected")), ClassFatal},
		{"wrapped deeper", fmt.Errorf("processing: %w", Fatal(errors.New("auth"))), ClassFatal},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, ClassTransient},
		{"unclassified", errors.New("something odd"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Expected class %v, got %v", tt.want, got)
			}
		})
	}
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := Transient(fmt.Errorf("fetch: %w", inner))

	if !errors.Is(err, inner) {
		t.Errorf("Expected errors.Is to find the root cause through the wrapper")
	}
}

func TestClassString(t *testing.T) {
	if ClassTransient.String() != "transient" {
		t.Errorf("Expected 'transient', got %q", ClassTransient.String())
	}
	if ClassFatal.String() != "fatal" {
		t.Errorf("Expected 'fatal', got %q", ClassFatal.String())
	}
}

func TestEventClone(t *testing.T) {
	e := &Event{
		Key:       "user-1",
		Payload:   map[string]any{"amount": 10.5},
		EventTime: time.Now(),
		Partition: 2,
		Offset:    42,
	}
	c := e.Clone()
	c.Payload["amount"] = 99.0

	if e.Payload["amount"] != 10.5 {
		t.Errorf("Expected clone mutation not to touch the original, got %v", e.Payload["amount"])
	}
	if c.Key != e.Key || c.Offset != e.Offset || c.Partition != e.Partition {
		t.Errorf("Expected clone to carry identity fields")
	}
}
