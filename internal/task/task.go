// Package task is the boundary to the opaque "crew" executors that do the
// actual research and writing. The orchestrator only knows a closed set of
// task kinds, calls each as a black box with a timeout, and validates every
// output against the kind's schema before it enters phase state.
package task

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindFoundersBrief        Kind = "founders_brief"
	KindCustomerDiscovery    Kind = "customer_discovery"
	KindDesirabilityResearch Kind = "desirability_research"
	KindFeasibilityResearch  Kind = "feasibility_research"
	KindViabilityResearch    Kind = "viability_research"
)

// Kinds lists every task kind the orchestrator may dispatch.
func Kinds() []Kind {
	return []Kind{
		KindFoundersBrief,
		KindCustomerDiscovery,
		KindDesirabilityResearch,
		KindFeasibilityResearch,
		KindViabilityResearch,
	}
}

// Request carries everything a crew needs for one step: the founder's idea,
// the evidence accumulated so far, and rejection feedback when a human sent
// the previous output back.
type Request struct {
	RunID    string
	Kind     Kind
	Idea     string
	Evidence map[string]map[string]any
	Feedback string
	Version  int
}

type Result struct {
	Output map[string]any
}

type ErrorKind int

const (
	// Transient errors (timeouts, rate limits) are retried with backoff.
	Transient ErrorKind = iota
	// Permanent errors (malformed output) fail the run immediately.
	Permanent
)

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func NewTransient(err error) *Error { return &Error{Kind: Transient, Err: err} }
func NewPermanent(err error) *Error { return &Error{Kind: Permanent, Err: err} }

// IsTransient reports whether the error should be retried. Unclassified
// errors count as transient so flaky crew backends get their retry budget.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == Transient
	}
	return true
}

// Executor is the single uniform call shape for every crew.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registry maps task kinds to handlers. Unknown kinds are rejected when the
// registry is built, never at dispatch time.
type Registry struct {
	handlers map[Kind]Executor
}

func NewRegistry(handlers map[Kind]Executor) (*Registry, error) {
	known := map[Kind]bool{}
	for _, k := range Kinds() {
		known[k] = true
	}
	for k := range handlers {
		if !known[k] {
			return nil, fmt.Errorf("unknown task kind %q", k)
		}
	}
	for _, k := range Kinds() {
		if _, ok := handlers[k]; !ok {
			return nil, fmt.Errorf("no handler for task kind %q", k)
		}
	}
	return &Registry{handlers: handlers}, nil
}

func (r *Registry) Execute(ctx context.Context, req Request) (Result, error) {
	h, ok := r.handlers[req.Kind]
	if !ok {
		return Result{}, NewPermanent(fmt.Errorf("unknown task kind %q", req.Kind))
	}
	return h.Execute(ctx, req)
}
