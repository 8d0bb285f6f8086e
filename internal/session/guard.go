package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sous/internal/history"
	"github.com/loqalabs/loqa-sous/internal/voice"
)

// Outcome reports what a Start call did.
type Outcome int

const (
	// OutcomeIgnored means a session was already starting or active.
	OutcomeIgnored Outcome = iota + 1
	OutcomeStarted
	// OutcomeRecovered means the engine reported an orphaned resource and
	// was reinitialized; the machine is idle and a new Start may be issued.
	OutcomeRecovered
	OutcomeFailed
	// OutcomeCancelled means Stop (or the caller's context) ended the
	// acquisition before it completed.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeStarted:
		return "started"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var ErrGuardClosed = errors.New("voice guard closed")

// Options configures a Guard.
type Options struct {
	Factory voice.Factory
	Machine *Machine
	// History receives finalized utterances reported by the engine.
	History     *history.Store
	SettleDelay time.Duration
	Classifier  Classifier
	Policy      Policy
	Logger      *slog.Logger
}

// Guard owns the only voice engine handle in the process. The handle is
// created lazily, its listener is registered exactly once, and every start
// and stop goes through the state machine. While the machine is Starting
// exactly one acquisition token is outstanding; it is issued and retired
// together with the transitions into and out of Starting.
type Guard struct {
	factory  voice.Factory
	machine  *Machine
	history  *history.Store
	settle   time.Duration
	recovery *Recovery
	log      *slog.Logger
	sleep    func(context.Context, time.Duration) error

	mu         sync.Mutex
	engine     voice.Engine
	building   chan struct{}
	generation uint64
	attempt    uint64
	acquiring  uint64
	cancel     context.CancelFunc
	closed     bool
	created    int
}

var errSuperseded = errors.New("acquisition superseded")

func NewGuard(opts Options) *Guard {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	machine := opts.Machine
	if machine == nil {
		machine = NewMachine()
	}
	g := &Guard{
		factory: opts.Factory,
		machine: machine,
		history: opts.History,
		settle:  opts.SettleDelay,
		log:     log.With(slog.String("component", "voice-guard")),
		sleep:   sleepCtx,
	}
	g.recovery = newRecovery(machine, g, opts.Classifier, opts.Policy, log)
	machine.Observe(func(tr Transition) {
		if tr.To == StateActive {
			g.recovery.reset()
		}
	})
	return g
}

func (g *Guard) Machine() *Machine { return g.machine }

func (g *Guard) Recovery() *Recovery { return g.recovery }

// Created returns how many engine instances have been constructed.
func (g *Guard) Created() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}

// EnsureInstance returns the live handle, constructing it on first use.
// Concurrent callers wait for a single construction.
func (g *Guard) EnsureInstance(ctx context.Context) (voice.Engine, error) {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, ErrGuardClosed
		}
		if g.engine != nil {
			engine := g.engine
			g.mu.Unlock()
			return engine, nil
		}
		if wait := g.building; wait != nil {
			g.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if g.factory == nil {
			g.mu.Unlock()
			return nil, errors.New("voice factory not configured")
		}
		done := make(chan struct{})
		g.building = done
		g.mu.Unlock()

		return g.build(ctx, done)
	}
}

func (g *Guard) build(ctx context.Context, done chan struct{}) (voice.Engine, error) {
	engine, err := g.factory(ctx)

	g.mu.Lock()
	g.building = nil
	close(done)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if g.closed {
		g.mu.Unlock()
		_ = engine.Close()
		return nil, ErrGuardClosed
	}
	g.generation++
	generation := g.generation
	g.engine = engine
	g.created++
	g.mu.Unlock()

	engine.OnEvent(g.listener(generation))
	g.log.Info("voice engine created", slog.Uint64("generation", generation))
	return engine, nil
}

// ForceDestroy discards the handle so the next EnsureInstance builds a
// fresh one. Events from the discarded handle are dropped.
func (g *Guard) ForceDestroy() {
	g.mu.Lock()
	engine := g.engine
	g.engine = nil
	g.generation++
	g.mu.Unlock()
	if engine == nil {
		return
	}
	if err := engine.Close(); err != nil {
		g.log.Warn("closing voice engine failed", slogError(err))
	}
}

// Start acquires the voice resource. A call made while a session is
// starting or active returns OutcomeIgnored without touching the engine.
func (g *Guard) Start(ctx context.Context, cfg voice.StartConfig) (Outcome, error) {
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var token uint64
	if _, err := g.machine.FireWith(EventStart, func(Transition) error {
		token = g.beginAcquire(cancel)
		return nil
	}); err != nil {
		if errors.Is(err, ErrAlreadyActive) {
			g.log.Debug("voice start ignored", slog.String("state", g.machine.State().String()))
			return OutcomeIgnored, nil
		}
		return OutcomeFailed, err
	}
	defer g.endAcquire(token)

	engine, err := g.EnsureInstance(acquireCtx)
	if err != nil {
		if acquireCtx.Err() != nil {
			return g.abandon(ctx, token, nil)
		}
		g.withdraw(token)
		return OutcomeFailed, fmt.Errorf("voice engine unavailable: %w", err)
	}

	// A stale call left behind by a previous page or process is released
	// before acquiring, then the engine gets time to settle.
	if err := engine.Stop(acquireCtx); err != nil {
		g.log.Debug("defensive voice stop failed", slogError(err))
	}
	if err := g.sleep(acquireCtx, g.settle); err != nil {
		return g.abandon(ctx, token, nil)
	}

	err = engine.Start(acquireCtx, cfg)
	if err == nil {
		if _, ferr := g.machine.FireWith(EventAcquired, g.claim(token)); ferr != nil {
			return g.abandon(ctx, token, engine)
		}
		g.log.Info("voice session active")
		return OutcomeStarted, nil
	}
	if acquireCtx.Err() != nil {
		return g.abandon(ctx, token, nil)
	}

	g.log.Warn("voice acquisition failed", slogError(err))
	if _, ferr := g.machine.FireWith(EventAcquisitionFailed, g.claim(token)); ferr != nil {
		if g.machine.State() == StateError {
			// An engine error event already moved the machine and started recovery.
			return OutcomeFailed, &AcquisitionError{Kind: g.recovery.Classify(err), Err: err}
		}
		return g.abandon(ctx, token, nil)
	}
	if rerr := g.recovery.Handle(ctx, err); rerr != nil {
		return OutcomeFailed, rerr
	}
	return OutcomeRecovered, nil
}

// abandon finishes a Start whose acquisition was cancelled, by Stop or by
// the caller's context. acquired is the engine when it reported success
// after the cancellation; it is released unless a newer attempt is using it.
func (g *Guard) abandon(ctx context.Context, token uint64, acquired voice.Engine) (Outcome, error) {
	owned := g.withdraw(token)
	if acquired != nil && g.machine.State() == StateIdle && !g.acquisitionPending() {
		if err := acquired.Stop(context.Background()); err != nil {
			g.log.Warn("releasing late voice acquisition failed", slogError(err))
		}
	}
	if owned {
		g.log.Info("voice acquisition abandoned")
		return OutcomeCancelled, ctx.Err()
	}
	g.log.Info("voice acquisition cancelled by stop")
	return OutcomeCancelled, nil
}

// withdraw moves the machine from Starting back to Idle if token is still
// the outstanding acquisition.
func (g *Guard) withdraw(token uint64) bool {
	_, err := g.machine.FireWith(EventStop, func(tr Transition) error {
		if tr.From != StateStarting {
			return errSuperseded
		}
		return g.claim(token)(tr)
	})
	return err == nil
}

// Stop releases the voice resource. Stopping while idle is a no-op;
// stopping while starting cancels the acquisition outstanding at that moment.
func (g *Guard) Stop(ctx context.Context) error {
	var cancel context.CancelFunc
	tr, err := g.machine.FireWith(EventStop, func(tr Transition) error {
		if tr.From == StateStarting {
			cancel = g.revokeAcquire()
		}
		return nil
	})
	if err != nil {
		return err
	}
	switch tr.From {
	case StateStarting:
		if cancel != nil {
			cancel()
		}
		g.log.Info("voice acquisition cancelled")
	case StateActive:
		g.mu.Lock()
		engine := g.engine
		g.mu.Unlock()
		var stopErr error
		if engine != nil {
			stopErr = engine.Stop(ctx)
		}
		// Ended may already have moved the machine to idle.
		if _, err := g.machine.Fire(EventReleased); err != nil {
			g.log.Debug("release not applied", slogError(err))
		}
		if stopErr != nil {
			return fmt.Errorf("voice stop failed: %w", stopErr)
		}
		g.log.Info("voice session stopped")
	}
	return nil
}

// Reset clears the error state left by an unrecovered failure.
func (g *Guard) Reset() error {
	_, err := g.machine.Fire(EventReset)
	return err
}

// Close stops any session and discards the handle. Later calls to Start fail.
func (g *Guard) Close(ctx context.Context) error {
	err := g.Stop(ctx)
	var illegal *IllegalTransitionError
	if errors.As(err, &illegal) {
		err = nil
	}
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.ForceDestroy()
	return err
}

func (g *Guard) beginAcquire(cancel context.CancelFunc) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempt++
	g.acquiring = g.attempt
	g.cancel = cancel
	return g.attempt
}

func (g *Guard) endAcquire(token uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.acquiring == token {
		g.acquiring = 0
		g.cancel = nil
	}
}

// claim returns a commit func that retires token, failing if it is no
// longer the outstanding acquisition.
func (g *Guard) claim(token uint64) func(Transition) error {
	return func(Transition) error {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.acquiring != token {
			return errSuperseded
		}
		g.acquiring = 0
		g.cancel = nil
		return nil
	}
}

func (g *Guard) revokeAcquire() context.CancelFunc {
	g.mu.Lock()
	defer g.mu.Unlock()
	cancel := g.cancel
	g.cancel = nil
	g.acquiring = 0
	return cancel
}

func (g *Guard) acquisitionPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acquiring != 0
}

func (g *Guard) current(generation uint64) (voice.Engine, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engine, g.engine != nil && g.generation == generation
}

func (g *Guard) listener(generation uint64) func(voice.Event) {
	return func(ev voice.Event) {
		engine, ok := g.current(generation)
		if !ok {
			g.log.Debug("dropping event from discarded voice engine", slog.String("event", ev.Kind.String()))
			return
		}
		switch ev.Kind {
		case voice.EventStarted:
			_, err := g.machine.Fire(EventAcquired)
			var illegal *IllegalTransitionError
			if errors.As(err, &illegal) && illegal.From == StateIdle {
				// The call came up after its start was cancelled.
				go func() {
					if err := engine.Stop(context.Background()); err != nil {
						g.log.Warn("releasing late voice call failed", slogError(err))
					}
				}()
			}
		case voice.EventEnded:
			g.fireEngine(EventEnded)
		case voice.EventUtterance:
			if g.history == nil || ev.Text == "" {
				return
			}
			g.history.Append(history.Turn{Role: ev.Role, Content: ev.Text})
		case voice.EventError:
			tr, err := g.machine.Fire(EventFailed)
			if err != nil || !tr.Changed() {
				return
			}
			g.log.Warn("voice engine error", slogError(ev.Err))
			// Recovery closes the engine, which must not happen on the
			// engine's own delivery goroutine.
			go func() {
				if err := g.recovery.Handle(context.Background(), ev.Err); err != nil {
					g.log.Error("voice session failed", slogError(err))
				}
			}()
		}
	}
}

func (g *Guard) fireEngine(ev Event) {
	if _, err := g.machine.Fire(ev); err != nil {
		g.log.Debug("engine notification ignored", slog.String("event", ev.String()), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
