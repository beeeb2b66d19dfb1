// Package botnet is the robot-side library of the swarm network: a
// cooperative runtime that drives user lifecycle callbacks, and a network
// facade for exchanging messages with other robots through the central relay.
package botnet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoIdentity is returned by New when no robot ID can be resolved from
// either the hostname or the configuration.
var ErrNoIdentity = errors.New("robot ID cannot be derived from the hostname; specify one explicitly")

// hostIDPattern matches the hostnames of the robotics lab's Raspberry Pis,
// from which a robot derives its ID automatically.
var hostIDPattern = regexp.MustCompile(`^choate-robotics-rpi-(\d{2})$`)

// Phase identifies where the runtime is in its lifecycle.
type Phase int32

const (
	PhaseInitializing Phase = iota
	PhaseConnected
	PhaseRunning
	PhaseShuttingDown
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseConnected:
		return "connected"
	case PhaseRunning:
		return "running"
	case PhaseShuttingDown:
		return "shutting down"
	case PhaseTerminated:
		return "terminated"
	}
	return "unknown"
}

// Handlers holds the user's lifecycle callbacks. Every slot is optional.
//
// Setup runs exactly once, synchronously, before any task is scheduled;
// state it places in Robot.State is visible to every later callback. Loop
// runs repeatedly at the configured interval. OnMessage runs once per
// message delivered by a poll. OnShutdown runs exactly once during
// finalization. No two callbacks ever execute concurrently.
type Handlers struct {
	Setup      func(r *Robot) error
	Loop       func(ctx context.Context, r *Robot) error
	OnMessage  func(ctx context.Context, r *Robot, m *Message) error
	OnShutdown func(ctx context.Context, r *Robot) error
}

// Config configures a Robot.
type Config struct {
	// ID is the robot's identity on the network. It is consulted only when
	// the hostname does not identify the robot. Nil means "derive or fail".
	ID *int

	// ServerAddr is the base URL of the relay. Defaults to the
	// CRH_BOTNET_SERVER environment variable, then http://localhost:5003.
	ServerAddr string

	// LoopInterval is the delay between Loop iterations. Negative
	// reschedules immediately with no delay; zero means the 50ms default
	// (use SetLoopInterval for a zero-delay loop).
	LoopInterval time.Duration

	// PollInterval is the delay between relay polls. Defaults to 200ms.
	PollInterval time.Duration

	// IgnoreErrors keeps the runtime alive when a callback fails. Interrupt
	// signals shut the robot down regardless.
	IgnoreErrors bool

	// Offline runs the robot without connecting to the relay. Loop still
	// runs; polling is skipped and sends fail locally.
	Offline bool

	// Logger overrides the default stderr logger.
	Logger *zerolog.Logger
}

// Robot is the process-wide cooperative runtime. It multiplexes the periodic
// loop task, the message-polling task, and outstanding send deliveries, and
// owns the startup/shutdown state machine.
type Robot struct {
	ID      int
	Network *Network

	// State is shared application state owned by the runtime. Setup
	// populates it and later callbacks read it; the callback serialization
	// guarantee makes unsynchronized access safe.
	State map[string]interface{}

	cfg    Config
	logger zerolog.Logger

	loopInterval atomic.Int64
	pollInterval time.Duration

	phase    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	tasks    sync.WaitGroup
	callback sync.Mutex

	stopOnce sync.Once
	stopped  chan struct{}
	exitCode atomic.Int32
}

// NewRobot creates a robot. The robot's ID is taken from the hostname when
// it matches the lab's naming scheme, otherwise from cfg.ID. With neither
// source available, NewRobot fails unless the robot is offline.
func NewRobot(cfg Config) (*Robot, error) {
	id, derived := deriveHostID()
	if !derived {
		switch {
		case cfg.ID != nil:
			id = *cfg.ID
		case cfg.Offline:
			id = 0
		default:
			return nil, ErrNoIdentity
		}
	}

	if cfg.ServerAddr == "" {
		cfg.ServerAddr = os.Getenv("CRH_BOTNET_SERVER")
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = "http://localhost:5003"
	}
	if cfg.LoopInterval == 0 {
		cfg.LoopInterval = 50 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.With().Int("robot", id).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Robot{
		ID:           id,
		State:        make(map[string]interface{}),
		cfg:          cfg,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
	}
	r.loopInterval.Store(int64(cfg.LoopInterval))
	r.Network = newNetwork(r, cfg.ServerAddr)
	return r, nil
}

// deriveHostID extracts a robot ID from the hostname.
func deriveHostID() (int, bool) {
	hostname, err := os.Hostname()
	if err != nil {
		return 0, false
	}
	match := hostIDPattern.FindStringSubmatch(hostname)
	if match == nil {
		return 0, false
	}
	id, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// SetLoopInterval changes the delay between Loop iterations, taking effect
// from the next iteration.
func (r *Robot) SetLoopInterval(d time.Duration) {
	r.loopInterval.Store(int64(d))
}

// Logger returns the robot's logger.
func (r *Robot) Logger() zerolog.Logger {
	return r.logger
}

// Phase reports where the runtime currently is in its lifecycle.
func (r *Robot) Phase() Phase {
	return Phase(r.phase.Load())
}

// Run drives the robot until shutdown and then exits the process with the
// recorded exit code. It must be called once and does not return.
func (r *Robot) Run(h Handlers) {
	os.Exit(r.run(h))
}

// run is Run without the final os.Exit, returning the exit code instead.
func (r *Robot) run(h Handlers) int {
	if !r.cfg.Offline {
		if err := r.Network.Connect(); err != nil {
			r.logger.Error().Err(err).Msg("failed to connect to the network")
			r.phase.Store(int32(PhaseTerminated))
			return 1
		}
		r.phase.Store(int32(PhaseConnected))
		r.logger.Info().Str("server", r.cfg.ServerAddr).Msg("connected to the network")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		r.logger.Info().Msg("interrupt received, shutting down")
		r.Shutdown(1)
		// A second signal means graceful teardown is not happening.
		<-sigs
		r.EmergencyShutdown(1)
	}()

	if h.Setup != nil {
		r.guard("setup", func() error { return h.Setup(r) })
	}

	if !r.stopRequested() {
		r.phase.Store(int32(PhaseRunning))
		if h.Loop != nil {
			r.spawn(func(ctx context.Context) { r.loopTask(ctx, h) })
		}
		if !r.cfg.Offline {
			r.spawn(func(ctx context.Context) { r.pollTask(ctx, h) })
		}
	}

	<-r.stopped
	return r.finalize(h)
}

// Shutdown requests a graceful stop and records the exit code. It is
// idempotent; the first call wins.
func (r *Robot) Shutdown(exitCode int) {
	r.stopOnce.Do(func() {
		r.exitCode.Store(int32(exitCode))
		r.phase.Store(int32(PhaseShuttingDown))
		close(r.stopped)
	})
}

// EmergencyShutdown terminates the process immediately, bypassing
// finalization. Use it only when graceful teardown itself is unsafe.
func (r *Robot) EmergencyShutdown(exitCode int) {
	os.Exit(exitCode)
}

func (r *Robot) stopRequested() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// finalize cancels all outstanding tasks, waits for them to acknowledge,
// runs OnShutdown, and disconnects. OnShutdown failures are logged but can
// never change the exit code: finalization must complete.
func (r *Robot) finalize(h Handlers) int {
	r.cancel()
	r.tasks.Wait()

	if h.OnShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		r.contain("on_shutdown", func() error { return h.OnShutdown(ctx, r) })
		cancel()
	}

	if r.Network.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.Network.disconnect(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("failed to disconnect cleanly")
		}
		cancel()
	}

	r.phase.Store(int32(PhaseTerminated))
	code := int(r.exitCode.Load())
	r.logger.Info().Int("exit_code", code).Msg("robot stopped")
	return code
}

// spawn starts a tracked background task. Finalization waits for every
// spawned task to return after the root context is cancelled.
func (r *Robot) spawn(fn func(ctx context.Context)) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		fn(r.ctx)
	}()
}

// invoke runs fn with the callback serialization guarantee and the standard
// failure containment.
func (r *Robot) invoke(fn func()) {
	r.guard("callback", func() error {
		fn()
		return nil
	})
}

// guard runs a user callback serialized against all others, containing any
// panic or error. A failure is logged and escalates to Shutdown(1) unless
// the robot is configured to ignore errors. Context cancellation is not a
// failure; it propagates so finalization can proceed.
func (r *Robot) guard(name string, fn func() error) {
	r.callback.Lock()
	err := contain(fn)
	r.callback.Unlock()

	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	r.logger.Error().Err(err).Str("callback", name).Msgf("error while running %s", name)
	if !r.cfg.IgnoreErrors {
		r.Shutdown(1)
	}
}

// contain is guard without the escalation: the failure is logged and
// swallowed. Used for on_shutdown, which must never abort finalization.
func (r *Robot) contain(name string, fn func() error) {
	r.callback.Lock()
	err := contain(fn)
	r.callback.Unlock()
	if err != nil {
		r.logger.Error().Err(err).Str("callback", name).Msgf("error ignored while running %s", name)
	}
}

// contain converts a panic in fn into an error carrying the stack.
func contain(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return fn()
}

// loopTask runs the user loop at the configured interval. An interval of
// zero or less reschedules immediately, yielding only to cancellation.
func (r *Robot) loopTask(ctx context.Context, h Handlers) {
	for {
		if ctx.Err() != nil || r.stopRequested() {
			return
		}
		r.guard("loop", func() error { return h.Loop(ctx, r) })

		interval := time.Duration(r.loopInterval.Load())
		if interval <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// pollTask drains the relay on a fixed cadence and dispatches each message
// to OnMessage. A failed cycle is logged and swallowed; polling resumes
// after the usual interval regardless.
func (r *Robot) pollTask(ctx context.Context, h Handlers) {
	for {
		if ctx.Err() != nil || r.stopRequested() {
			return
		}

		msgs, err := r.Network.poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("error polling")
			}
		} else if h.OnMessage != nil {
			for i := range msgs {
				if ctx.Err() != nil || r.stopRequested() {
					return
				}
				m := &msgs[i]
				r.guard("on_message", func() error { return h.OnMessage(ctx, r, m) })
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.pollInterval):
		}
	}
}
