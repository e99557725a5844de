package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/tradelink/observability"
	"github.com/danmuck/tradelink/protocol/envelope"
	"github.com/danmuck/tradelink/protocol/frame"
	"github.com/danmuck/tradelink/protocol/schema"
	"github.com/danmuck/tradelink/transport"
)

// Session is the public handle over one broker connection: the auth state
// machine, correlator, rate-limited sender, dispatcher, stream registry, and
// reconnect supervisor composed behind Connect/SendRequest/Subscribe.
type Session struct {
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics
	hooks   *observability.HookBus

	fsm        *stateMachine
	correlator *correlator
	dispatcher *dispatcher
	registry   *registry

	lastWrite atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.Mutex
	started   bool
	runCancel context.CancelFunc
	runDone   chan struct{}
	cur       *epoch

	dial func(ctx context.Context) (*transport.Conn, error)
}

// epoch is one connection's lifetime: its socket and its sender.
type epoch struct {
	conn *transport.Conn
	snd  *sender
}

func New(cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := observability.NewLogger(cfg.LogWriter).With().Str("component", "session").Logger()
	metrics := observability.NewMetrics()

	s := &Session{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		hooks:   observability.NewHookBus(log),
		fsm:     newStateMachine(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.correlator = newCorrelator(log, metrics)
	s.dispatcher = newDispatcher(log, metrics)
	s.registry = newRegistry(log, s.dispatcher)
	s.dial = cfg.Dialer
	if s.dial == nil {
		s.dial = func(ctx context.Context) (*transport.Conn, error) {
			return transport.Dial(ctx, cfg.transportConfig())
		}
	}
	return s, nil
}

// State reports the current lifecycle state.
func (s *Session) State() State { return s.fsm.Get() }

// Metrics exposes the per-session counter set.
func (s *Session) Metrics() *observability.Metrics { return s.metrics }

// Hooks exposes the hook bus for registration.
func (s *Session) Hooks() *observability.HookBus { return s.hooks }

// Connect starts the session runtime and blocks until it reaches Ready.
// Idempotent and safe to call concurrently. Cancelling the context tears
// down any partially opened transport and leaves the session disconnected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	start := !s.started
	if s.started {
		// A finished run that left the session disconnected may start over.
		select {
		case <-s.runDone:
			start = s.fsm.Get() == StateDisconnected
		default:
		}
	}
	if start {
		s.started = true
		// Move out of Disconnected before any waiter can observe it.
		s.fsm.set(StateConnecting)
		runCtx, cancel := context.WithCancel(context.Background())
		s.runCancel = cancel
		s.runDone = make(chan struct{})
		go func() { _ = s.correlator.run(runCtx, s.cfg.HousekeepingTick) }()
		go s.run(runCtx, s.runDone)
	}
	s.mu.Unlock()

	if err := s.fsm.WaitReady(ctx); err != nil {
		if ctx.Err() != nil {
			s.Disconnect()
			return fmt.Errorf("%w: connect interrupted", ErrCancelled)
		}
		return err
	}
	return nil
}

// Disconnect stops the runtime, fails in-flight requests, and ends every
// stream. Idempotent and safe to call concurrently.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.runCancel
	done := s.runDone
	s.mu.Unlock()

	cancel()
	<-done
}

// With runs fn against a connected session and guarantees disconnection on
// every exit path.
func With(ctx context.Context, cfg Config, fn func(context.Context, *Session) error) error {
	s, err := New(cfg)
	if err != nil {
		return err
	}
	defer s.Disconnect()
	if err := s.Connect(ctx); err != nil {
		return err
	}
	return fn(ctx, s)
}

// --- supervisor ---

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	reconnecting := false
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.shutdown(StateDisconnected, ErrClosed)
			return
		}

		if reconnecting {
			attempt++
			s.metrics.ReconnectAttempts.Inc()
			s.hooks.Emit(ctx, observability.HookReconnectAttempt, map[string]any{"attempt": attempt})

			delay := s.backoffDelay(attempt)
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
			select {
			case <-ctx.Done():
				s.shutdown(StateDisconnected, ErrClosed)
				return
			case <-time.After(delay):
			}
		}

		reachedReady, err := s.connectEpoch(ctx, reconnecting)
		if ctx.Err() != nil {
			s.shutdown(StateDisconnected, ErrClosed)
			return
		}
		if err != nil && errors.Is(err, ErrAuthFailed) {
			s.log.Error().Err(err).Msg("authentication failed")
			if reconnecting {
				s.hooks.Emit(ctx, observability.HookReconnectFatal, map[string]any{"error": err.Error()})
			}
			s.shutdown(StateFatal, ErrAuthFailed)
			return
		}

		s.correlator.failAll(ErrTransportLost)
		if reachedReady {
			attempt = 0
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("connection lost")
		}

		if !s.cfg.Reconnect.Enabled {
			s.shutdown(StateDisconnected, ErrTransportLost)
			return
		}
		if s.cfg.Reconnect.MaxAttempts > 0 && attempt >= s.cfg.Reconnect.MaxAttempts {
			s.hooks.Emit(ctx, observability.HookReconnectFatal, map[string]any{"attempts": attempt})
			s.shutdown(StateFatal, ErrTransportLost)
			return
		}
		s.fsm.set(StateReconnecting)
		reconnecting = true
	}
}

func (s *Session) shutdown(final State, err error) {
	s.correlator.failAll(err)
	s.fsm.set(final)
	s.registry.closeAll()
}

func (s *Session) backoffDelay(attempt int) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return nextBackoffDelay(s.cfg.Reconnect, attempt, s.rng)
}

// connectEpoch dials, runs one connection's loops, authenticates, and blocks
// until the epoch ends. reachedReady reports whether auth completed.
func (s *Session) connectEpoch(ctx context.Context, reconnecting bool) (bool, error) {
	if !reconnecting {
		s.fsm.set(StateConnecting)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: dial: %v", ErrTransportLost, err)
	}
	if observability.ConnectDebugEnabled() {
		s.log.Info().Stringer("remote", conn.RemoteAddr()).Msg("transport established")
	}

	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.lastWrite.Store(time.Now().UnixNano())
	snd := newSender(s.cfg, conn, s.metrics, s.log, &s.lastWrite)
	hb := newHeartbeatEngine(s.cfg, snd, s.log, &s.lastWrite)
	inbound := make(chan []byte, s.cfg.InboundQueueSize)

	s.setEpoch(&epoch{conn: conn, snd: snd})
	defer func() {
		s.clearEpoch()
		_ = conn.Close()
	}()

	g, gctx := errgroup.WithContext(epochCtx)
	g.Go(func() error {
		// Closing the socket is the only way to wake a blocked reader or
		// writer once the epoch ends.
		<-gctx.Done()
		_ = conn.Close()
		return gctx.Err()
	})
	g.Go(func() error { return s.readLoop(gctx, conn, inbound) })
	g.Go(func() error { return s.processLoop(gctx, snd, inbound) })
	g.Go(func() error { return snd.run(gctx) })
	g.Go(func() error { return hb.run(gctx) })

	if err := s.authenticate(gctx); err != nil {
		cancel()
		_ = conn.Close()
		_ = g.Wait()
		return false, err
	}

	if reconnecting {
		s.recoverState(gctx)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return true, nil
	}
	return true, err
}

func (s *Session) setEpoch(ep *epoch) {
	s.mu.Lock()
	s.cur = ep
	s.mu.Unlock()
}

func (s *Session) clearEpoch() {
	s.mu.Lock()
	s.cur = nil
	s.mu.Unlock()
}

func (s *Session) currentEpoch() *epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// --- auth ---

func (s *Session) authenticate(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	s.fsm.set(StateAppAuthenticating)
	appReq := schema.AppAuthReq{
		ClientID:     s.cfg.Credentials.ClientID,
		ClientSecret: s.cfg.Credentials.ClientSecret,
	}
	if _, err := s.request(actx, schema.TypeAppAuthReq, appReq.Encode()); err != nil {
		return authError("app auth", err)
	}

	s.fsm.set(StateAccountAuthenticating)
	token, err := s.cfg.Credentials.Token.AccessToken(actx)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	acctReq := schema.AccountAuthReq{
		AccountID:   s.cfg.Credentials.AccountID,
		AccessToken: token,
	}
	if _, err := s.request(actx, schema.TypeAccountAuthReq, acctReq.Encode()); err != nil {
		return authError("account auth", err)
	}

	s.fsm.set(StateReady)
	s.log.Info().Int64("account_id", s.cfg.Credentials.AccountID).Msg("session ready")
	return nil
}

func authError(stage string, err error) error {
	if !isRetriableAuthError(err) {
		return fmt.Errorf("%w: %s: %v", ErrAuthFailed, stage, err)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// recoverState is the refresh-only recovery pass after a reconnect: re-fetch
// server state and publish it on the refresh topic, then rearm every live
// subscription. Non-idempotent trading requests are never replayed.
func (s *Session) recoverState(ctx context.Context) {
	accountID := s.cfg.Credentials.AccountID
	steps := []struct {
		reqType uint32
		resType uint32
		body    []byte
	}{
		{schema.TypeSymbolsListReq, schema.TypeSymbolsListRes, schema.SymbolsListReq{AccountID: accountID}.Encode()},
		{schema.TypeTraderReq, schema.TypeTraderRes, schema.TraderReq{AccountID: accountID}.Encode()},
		{schema.TypeReconcileReq, schema.TypeReconcileRes, schema.ReconcileReq{AccountID: accountID}.Encode()},
	}

	s.dispatcher.publish(ctx, TopicRefresh, envelope.Envelope{PayloadType: schema.TypeRefreshBegin})
	for _, step := range steps {
		payload, err := s.request(ctx, step.reqType, step.body)
		if err != nil {
			s.log.Warn().Err(err).Uint32("payload_type", step.reqType).Msg("state refresh step failed")
			continue
		}
		s.dispatcher.publish(ctx, TopicRefresh, envelope.Envelope{PayloadType: step.resType, Payload: payload})
	}
	s.dispatcher.publish(ctx, TopicRefresh, envelope.Envelope{PayloadType: schema.TypeRefreshEnd})

	s.registry.rearmAll(ctx, s)

	s.metrics.ReconnectSuccesses.Inc()
	s.hooks.Emit(ctx, observability.HookReconnectSuccess, map[string]any{
		"subscriptions": s.registry.count(),
	})
	s.log.Info().Msg("reconnect recovery complete")
}

// --- inbound ---

func (s *Session) readLoop(ctx context.Context, conn *transport.Conn, inbound chan []byte) error {
	for {
		body, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrTransportLost, err)
		}

		if s.cfg.DropInboundWhenFull {
			select {
			case inbound <- body:
			default:
				// Keep the most recent traffic: evict the head, then retry.
				select {
				case <-inbound:
					s.metrics.InboundDropped.Inc()
				default:
				}
				select {
				case inbound <- body:
				default:
					s.metrics.InboundDropped.Inc()
				}
			}
			continue
		}

		select {
		case inbound <- body:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) processLoop(ctx context.Context, snd *sender, inbound <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case body := <-inbound:
			env, err := envelope.Decode(body)
			if err != nil {
				return fmt.Errorf("inbound decode: %w", err)
			}
			s.hooks.EmitDetached(ctx, observability.HookRawEnvelope, map[string]any{
				"payload_type":   env.PayloadType,
				"correlation_id": env.CorrelationID,
				"bytes":          len(body),
			})

			if env.PayloadType == schema.TypeHeartbeatEvent {
				ob, err := keepaliveFrame()
				if err != nil {
					return err
				}
				if err := snd.enqueue(ctx, ob); err != nil {
					return err
				}
				continue
			}

			if env.CorrelationID != "" {
				out := responseOutcome(env)
				if out.err != nil {
					s.metrics.RemoteErrors.Inc()
				}
				if s.correlator.resolve(env.CorrelationID, out) {
					s.metrics.Responses.Inc()
					continue
				}
				s.dispatcher.publish(ctx, TopicOrphan, env)
				continue
			}

			s.dispatcher.dispatch(ctx, env)
		}
	}
}

func responseOutcome(env envelope.Envelope) outcome {
	if env.PayloadType != schema.TypeErrorRes {
		return outcome{payload: env.Payload}
	}
	res, err := schema.DecodeErrorRes(env.Payload)
	if err != nil {
		return outcome{err: &RemoteError{Code: "MALFORMED_ERROR_RES", Description: err.Error()}}
	}
	remote := &RemoteError{Code: res.Code, Description: res.Description}
	if res.MaintenanceEndMillis != 0 {
		remote.MaintenanceEnd = time.UnixMilli(res.MaintenanceEndMillis)
	}
	return outcome{err: remote}
}

// --- requests ---

// SendRequest sends one correlated request and blocks for its response
// payload. Callers not yet gated through Ready wait; a Fatal session fails
// fast with ErrAuthFailed.
func (s *Session) SendRequest(ctx context.Context, payloadType uint32, payload []byte) ([]byte, error) {
	if err := s.fsm.WaitReady(ctx); err != nil {
		return nil, mapContextErr(err)
	}
	return s.request(ctx, payloadType, payload)
}

// request is the ungated request path; the auth sequence uses it before the
// session reaches Ready.
func (s *Session) request(ctx context.Context, payloadType uint32, payload []byte) ([]byte, error) {
	ep := s.currentEpoch()
	if ep == nil {
		return nil, ErrTransportLost
	}

	deadline := time.Now().Add(s.cfg.RequestTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	pend := s.correlator.register(payloadType, deadline)
	env := envelope.Envelope{
		PayloadType:   payloadType,
		Payload:       payload,
		CorrelationID: pend.id,
	}
	body, err := env.Encode()
	if err != nil {
		s.correlator.cancel(pend.id)
		return nil, err
	}

	ob := newOutbound(body, pend.id, false)
	pend.frame = ob

	s.hooks.Emit(ctx, observability.HookPreSendRequest, map[string]any{
		"payload_type":   payloadType,
		"correlation_id": pend.id,
	})

	start := time.Now()
	if err := ep.snd.enqueue(ctx, ob); err != nil {
		s.correlator.cancel(pend.id)
		if ctx.Err() != nil {
			s.metrics.Cancellations.Inc()
			return nil, mapContextErr(ctx.Err())
		}
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, s.cancelPending(ctx, pend)
	case out := <-pend.done:
		return s.finishRequest(ctx, payloadType, pend, start, out)
	case <-ob.written:
		s.hooks.Emit(ctx, observability.HookPostSendRequest, map[string]any{
			"payload_type":   payloadType,
			"correlation_id": pend.id,
			"bytes":          len(body) + frame.HeaderLen,
		})
		select {
		case <-ctx.Done():
			return nil, s.cancelPending(ctx, pend)
		case out := <-pend.done:
			return s.finishRequest(ctx, payloadType, pend, start, out)
		}
	}
}

func (s *Session) cancelPending(ctx context.Context, pend *pendingRequest) error {
	if s.correlator.cancel(pend.id) {
		s.metrics.Cancellations.Inc()
	}
	return mapContextErr(ctx.Err())
}

func (s *Session) finishRequest(ctx context.Context, payloadType uint32, pend *pendingRequest, start time.Time, out outcome) ([]byte, error) {
	if out.err != nil {
		return nil, out.err
	}
	latency := time.Since(start)
	s.metrics.ObserveLatency(latency)
	s.hooks.Emit(ctx, observability.HookPostResponse, map[string]any{
		"payload_type":   payloadType,
		"correlation_id": pend.id,
		"latency":        latency,
	})
	return out.payload, nil
}

func mapContextErr(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return err
	}
}

// --- subscriptions ---

// SubscribeOptions configures one topic subscription.
type SubscribeOptions struct {
	Topics      []string
	QueueSize   int
	Policy      Policy
	CoalesceKey CoalesceKeyFunc
	Recipe      Recipe
}

var errTopicsRequired = errors.New("session: at least one topic required")

// Subscribe opens a bounded-queue subscription over the dispatcher and arms
// it with its recipe. The subscription survives reconnects until closed.
func (s *Session) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	if err := s.fsm.WaitReady(ctx); err != nil {
		return nil, mapContextErr(err)
	}
	if len(opts.Topics) == 0 {
		return nil, errTopicsRequired
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = s.cfg.TickQueueSize
	}

	q := newDeliveryQueue(opts.QueueSize, opts.Policy, opts.CoalesceKey, s.metrics)
	sub := s.registry.add(opts.Topics, q, opts.Recipe)
	if opts.Recipe.Subscribe != nil {
		if err := opts.Recipe.Subscribe(ctx, s); err != nil {
			s.registry.remove(sub)
			return nil, err
		}
	}
	return sub, nil
}
