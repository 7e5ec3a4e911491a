package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/config"
)

// State is the supervisor's lifecycle phase.
type State string

const (
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateStopping     State = "stopping"
)

const (
	maxReconnectAttempts = 10
	slowPingThreshold    = 15 * time.Second
	slowPingTicksToTrip  = 3
)

// ReconnectDelayMS returns the backoff before reconnect attempt n; it
// follows the same law as the event-store retry backoff.
func ReconnectDelayMS(attempt int) int64 {
	return bus.BackoffMS(attempt)
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets a structured logger.
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// withSleep overrides the backoff sleep (tests).
func withSleep(fn func(context.Context, time.Duration)) SupervisorOption {
	return func(s *Supervisor) { s.sleep = fn }
}

// Supervisor maintains one logical gateway session: it logs in,
// watches connection health, forces reconnects with backoff, and gates
// outbound work behind a readiness barrier.
type Supervisor struct {
	token    string
	settings config.Settings
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration)

	gate readinessGate

	mu        sync.Mutex
	state     State
	session   *discordgo.Session
	attempts  int
	slowTicks int
	inFlight  bool // a reconnect loop pass is running
	onReady   []func()

	reconnectReq chan struct{}
}

// NewSupervisor creates a Supervisor for the given bot token.
func NewSupervisor(token string, settings config.Settings, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		token:        token,
		settings:     settings,
		logger:       slog.Default(),
		state:        StateStarting,
		reconnectReq: make(chan struct{}, 1),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnReady registers a hook invoked on every ready transition,
// including reconnect successes. Recovery uses it to catch up missed
// DMs. Must be called before Start.
func (s *Supervisor) OnReady(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = append(s.onReady, fn)
}

// Start logs in once and launches the reconnect and heartbeat loops.
// It returns after the initial login attempt is made; readiness is
// observed through WaitUntilReady.
func (s *Supervisor) Start(ctx context.Context, onMessage func(*Message)) error {
	if err := s.login(onMessage); err != nil {
		return err
	}
	go s.reconnectLoop(ctx, onMessage)
	go s.heartbeatLoop(ctx)
	return nil
}

// login builds a fresh session, registers event handlers, and opens
// the gateway connection.
func (s *Supervisor) login(onMessage func(*Message)) error {
	session, err := discordgo.New("Bot " + s.token)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		s.handleReady()
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		s.handleReady()
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		s.handleDisconnect()
	})
	if onMessage != nil {
		session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			onMessage(convertMessage(m.Message))
		})
	}

	if err := session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) handleReady() {
	s.mu.Lock()
	if s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.attempts = 0
	s.slowTicks = 0
	hooks := append([]func(){}, s.onReady...)
	s.mu.Unlock()

	s.logger.Info("discord: ready")
	s.gate.setReady(true)
	for _, fn := range hooks {
		fn()
	}
}

func (s *Supervisor) handleDisconnect() {
	s.mu.Lock()
	stopping := s.state == StateStopping
	s.mu.Unlock()
	if stopping {
		return
	}
	s.logger.Warn("discord: gateway disconnected")
	s.gate.setReady(false)
	s.RequestReconnect("gateway disconnect")
}

// RequestReconnect schedules a forced reconnect. Requests while one is
// already in flight collapse into the pending flag consumed by the
// next loop pass.
func (s *Supervisor) RequestReconnect(reason string) {
	s.logger.Warn("discord: reconnect requested", "reason", reason)
	select {
	case s.reconnectReq <- struct{}{}:
	default:
	}
}

// reconnectLoop is the single task that performs reconnects. Each pass
// backs off, destroys the current session, logs in again, and waits a
// grace period for ready.
func (s *Supervisor) reconnectLoop(ctx context.Context, onMessage func(*Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reconnectReq:
		}

		s.mu.Lock()
		if s.state == StateStopping {
			s.mu.Unlock()
			return
		}
		s.state = StateReconnecting
		s.inFlight = true
		s.mu.Unlock()

		for !s.gate.isReady() && ctx.Err() == nil {
			s.mu.Lock()
			if s.attempts < maxReconnectAttempts {
				s.attempts++
			}
			attempt := s.attempts
			current := s.session
			s.mu.Unlock()

			delay := time.Duration(ReconnectDelayMS(attempt)) * time.Millisecond
			s.logger.Info("discord: reconnecting", "attempt", attempt, "delay", delay)
			s.sleep(ctx, delay)
			if ctx.Err() != nil {
				break
			}

			if current != nil {
				_ = current.Close()
			}
			if err := s.login(onMessage); err != nil {
				s.logger.Error("discord: relogin failed", "attempt", attempt, "error", err)
				continue
			}
			if s.gate.wait(ctx, s.settings.ReconnectGracePeriod()) {
				break
			}
			s.logger.Warn("discord: not ready within grace window", "attempt", attempt)
		}

		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}
}

// heartbeatLoop forces a reconnect when the connection looks dead: not
// ready at the tick, or three consecutive ticks with a round-trip ping
// above the slow threshold. Ticks are skipped while a reconnect is
// already in flight.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.settings.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		skip := s.inFlight || s.state == StateStopping
		s.mu.Unlock()
		if skip {
			continue
		}

		var latency time.Duration
		if sess := s.Session(); sess != nil {
			latency = sess.HeartbeatLatency()
		}
		if reason := s.tickHealth(s.gate.isReady(), latency); reason != "" {
			s.RequestReconnect(reason)
		}
	}
}

// tickHealth evaluates one heartbeat observation and returns a
// non-empty reconnect reason when the connection is unhealthy.
func (s *Supervisor) tickHealth(ready bool, latency time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ready {
		s.slowTicks = 0
		return "heartbeat: not ready"
	}
	if latency > slowPingThreshold {
		s.slowTicks++
		s.logger.Warn("discord: slow heartbeat", "latency", latency, "consecutive", s.slowTicks)
		if s.slowTicks >= slowPingTicksToTrip {
			s.slowTicks = 0
			return fmt.Sprintf("heartbeat: ping above %s for %d ticks", slowPingThreshold, slowPingTicksToTrip)
		}
		return ""
	}
	s.slowTicks = 0
	return ""
}

// Ready reports whether the gateway is connected and ready.
func (s *Supervisor) Ready() bool {
	return s.gate.isReady()
}

// WaitUntilReady blocks until the gateway is ready, the timeout
// elapses, or the supervisor stops. Returns whether it became ready.
func (s *Supervisor) WaitUntilReady(ctx context.Context, timeout time.Duration) bool {
	return s.gate.wait(ctx, timeout)
}

// Session returns the current gateway session, or nil before login.
func (s *Supervisor) Session() *discordgo.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// CurrentState returns the supervisor's current phase.
func (s *Supervisor) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop enters the stopping state, rejects all readiness waiters, and
// destroys the session.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.state = StateStopping
	session := s.session
	s.mu.Unlock()

	s.gate.stop()
	if session != nil {
		_ = session.Close()
	}
	s.logger.Info("discord: supervisor stopped")
}
