package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loqalabs/loqa-sous/internal/voice"
)

// FailureKind classifies an acquisition failure.
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureDuplicateResource
)

func (k FailureKind) String() string {
	if k == FailureDuplicateResource {
		return "duplicate_resource"
	}
	return "other"
}

// Classifier decides whether a failure means the engine found an orphaned
// resource from a previous session.
type Classifier interface {
	Classify(err error) FailureKind
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(error) FailureKind

func (f ClassifierFunc) Classify(err error) FailureKind { return f(err) }

// MarkerClassifier matches substrings of the engine's error message. The
// wording belongs to the external engine, so this is a heuristic.
type MarkerClassifier struct {
	Markers []string
}

func (c MarkerClassifier) Classify(err error) FailureKind {
	if err == nil {
		return FailureOther
	}
	msg := err.Error()
	for _, marker := range c.Markers {
		if marker != "" && strings.Contains(msg, marker) {
			return FailureDuplicateResource
		}
	}
	return FailureOther
}

// AcquisitionError is a voice acquisition failure surfaced to the caller.
type AcquisitionError struct {
	Kind FailureKind
	// Escalated is set when a duplicate-resource failure exceeded the
	// automatic recovery budget.
	Escalated bool
	Err       error
}

func (e *AcquisitionError) Error() string {
	if e.Escalated {
		return fmt.Sprintf("voice acquisition failed (duplicate resource, recovery exhausted): %v", e.Err)
	}
	return fmt.Sprintf("voice acquisition failed: %v", e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Policy bounds automatic recovery.
type Policy struct {
	// MaxAutoRecoveries is the number of silent recoveries allowed between
	// two successful activations.
	MaxAutoRecoveries int
	Backoff           backoff.BackOff
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAutoRecoveries: 1,
		Backoff:           backoff.NewConstantBackOff(time.Second),
	}
}

type resourceOwner interface {
	ForceDestroy()
	EnsureInstance(ctx context.Context) (voice.Engine, error)
}

// Recovery classifies acquisition failures and force-reinitializes the
// engine handle for duplicate-resource failures.
type Recovery struct {
	machine    *Machine
	owner      resourceOwner
	classifier Classifier
	policy     Policy
	log        *slog.Logger
	sleep      func(context.Context, time.Duration) error
	now        func() time.Time

	mu           sync.Mutex
	attempts     int
	lastRecovery time.Time
	onRecovered  []func(FailureKind)
}

func newRecovery(machine *Machine, owner resourceOwner, classifier Classifier, policy Policy, log *slog.Logger) *Recovery {
	if classifier == nil {
		classifier = MarkerClassifier{}
	}
	if policy.Backoff == nil {
		policy.Backoff = &backoff.ZeroBackOff{}
	}
	return &Recovery{
		machine:    machine,
		owner:      owner,
		classifier: classifier,
		policy:     policy,
		log:        log.With(slog.String("component", "voice-recovery")),
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

func (r *Recovery) Classify(err error) FailureKind {
	return r.classifier.Classify(err)
}

// OnRecovered registers fn, called after every silent recovery.
func (r *Recovery) OnRecovered(fn func(FailureKind)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRecovered = append(r.onRecovered, fn)
}

// Attempts returns the recovery counter and the time of the last forced
// reinitialization.
func (r *Recovery) Attempts() (int, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts, r.lastRecovery
}

func (r *Recovery) reset() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
	r.policy.Backoff.Reset()
}

// Handle processes a failure while the machine is in Error. It returns nil
// when the failure was recovered silently, and an *AcquisitionError otherwise.
func (r *Recovery) Handle(ctx context.Context, failure error) error {
	if failure == nil {
		return nil
	}
	kind := r.Classify(failure)

	r.mu.Lock()
	if kind == FailureDuplicateResource && r.attempts >= r.policy.MaxAutoRecoveries {
		r.mu.Unlock()
		r.log.Warn("duplicate voice resource persists, recovery budget exhausted", slog.String("error", failure.Error()))
		return &AcquisitionError{Kind: FailureOther, Escalated: true, Err: failure}
	}
	if kind != FailureDuplicateResource {
		r.mu.Unlock()
		return &AcquisitionError{Kind: FailureOther, Err: failure}
	}
	r.attempts++
	r.lastRecovery = r.now()
	r.mu.Unlock()

	r.log.Warn("duplicate voice resource detected, reinitializing engine", slog.String("error", failure.Error()))
	r.owner.ForceDestroy()

	delay := r.policy.Backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = 0
	}
	if err := r.sleep(ctx, delay); err != nil {
		return &AcquisitionError{Kind: FailureDuplicateResource, Err: fmt.Errorf("recovery interrupted: %w", err)}
	}
	if _, err := r.owner.EnsureInstance(ctx); err != nil {
		return &AcquisitionError{Kind: FailureOther, Err: fmt.Errorf("recreate voice engine: %w", err)}
	}
	if _, err := r.machine.Fire(EventReset); err != nil {
		r.log.Warn("reset after recovery rejected", slog.String("error", err.Error()))
	}

	r.mu.Lock()
	hooks := append([]func(FailureKind){}, r.onRecovered...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(kind)
	}
	r.log.Info("voice engine reinitialized")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
