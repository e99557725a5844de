package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/danmuck/tradelink/internal/testutil/brokertest"
	"github.com/danmuck/tradelink/protocol/envelope"
	"github.com/danmuck/tradelink/protocol/schema"
)

const testPayloadType uint32 = 2200

func testConfig(dialer *brokertest.Dialer) Config {
	cfg := DefaultConfig()
	cfg.Credentials = Credentials{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		AccountID:    1001,
		Token:        StaticToken("access-token"),
	}
	cfg.RateLimitPerSecond = 100
	cfg.RequestTimeout = 2 * time.Second
	cfg.HeartbeatIdle = time.Hour
	cfg.HousekeepingTick = 20 * time.Millisecond
	cfg.Reconnect.Enabled = false
	cfg.Dialer = dialer.Dial
	cfg.LogWriter = io.Discard
	return cfg
}

func connectedSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func echoHandler(env envelope.Envelope) []envelope.Envelope {
	if env.PayloadType != testPayloadType {
		return brokertest.SubscribeAck(env)
	}
	return []envelope.Envelope{{
		PayloadType:   testPayloadType + 1,
		Payload:       []byte{0x01},
		CorrelationID: env.CorrelationID,
	}}
}

func TestHappyPathRequestResponse(t *testing.T) {
	broker := brokertest.New(echoHandler)
	s := connectedSession(t, testConfig(brokertest.NewDialer(broker)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := s.SendRequest(ctx, testPayloadType, []byte("ping"))
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	if !bytes.Equal(payload, []byte{0x01}) {
		t.Fatalf("payload mismatch: %v", payload)
	}

	snap := s.Metrics().Snapshot()
	// Two auth round trips plus the user request.
	if snap.RequestsSent != 3 || snap.Responses != 3 {
		t.Fatalf("metrics mismatch: sent=%d responses=%d", snap.RequestsSent, snap.Responses)
	}
	if snap.LatencyCount != 3 {
		t.Fatalf("latency samples mismatch: %d", snap.LatencyCount)
	}
}

func TestRequestTimeoutLeavesNoEntry(t *testing.T) {
	broker := brokertest.New(nil) // swallows every non-auth request
	cfg := testConfig(brokertest.NewDialer(broker))
	cfg.RequestTimeout = 150 * time.Millisecond
	s := connectedSession(t, cfg)

	start := time.Now()
	_, err := s.SendRequest(context.Background(), testPayloadType, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout too slow: %v", elapsed)
	}
	if n := s.correlator.pendingCount(); n != 0 {
		t.Fatalf("correlator leaked %d entries", n)
	}
	if snap := s.Metrics().Snapshot(); snap.RequestTimeouts != 1 {
		t.Fatalf("expected 1 timeout, got %d", snap.RequestTimeouts)
	}
}

func TestCancelBeforeDispatchNeverWrites(t *testing.T) {
	broker := brokertest.New(echoHandler)
	cfg := testConfig(brokertest.NewDialer(broker))
	cfg.RateLimitPerSecond = 1
	s := connectedSession(t, cfg)

	// Auth consumed this second's token; the request below queues behind the
	// empty bucket and is cancelled before the next refill.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := s.SendRequest(ctx, testPayloadType, []byte("never"))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	time.Sleep(1500 * time.Millisecond)
	if n := broker.Count(testPayloadType); n != 0 {
		t.Fatalf("cancelled frame reached the wire %d times", n)
	}
	if snap := s.Metrics().Snapshot(); snap.Cancellations != 1 {
		t.Fatalf("expected 1 cancellation, got %d", snap.Cancellations)
	}
	if n := s.correlator.pendingCount(); n != 0 {
		t.Fatalf("correlator leaked %d entries", n)
	}
}

func TestHeartbeatLiveness(t *testing.T) {
	broker := brokertest.New(nil)
	cfg := testConfig(brokertest.NewDialer(broker))
	cfg.HeartbeatIdle = 200 * time.Millisecond
	s := connectedSession(t, cfg)

	time.Sleep(700 * time.Millisecond)
	if n := broker.Count(schema.TypeHeartbeatEvent); n == 0 {
		t.Fatal("no keepalive written during idle period")
	}
	if snap := s.Metrics().Snapshot(); snap.HeartbeatsSent == 0 {
		t.Fatal("heartbeat metric not incremented")
	}
}

func TestInboundKeepaliveIsAnswered(t *testing.T) {
	broker := brokertest.New(nil)
	cfg := testConfig(brokertest.NewDialer(broker))
	connectedSession(t, cfg)

	before := broker.Count(schema.TypeHeartbeatEvent)
	if err := broker.Send(envelope.Envelope{PayloadType: schema.TypeHeartbeatEvent}); err != nil {
		t.Fatalf("send keepalive: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if broker.Count(schema.TypeHeartbeatEvent) > before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server keepalive not answered")
}

func TestFatalAuthRefusesEverything(t *testing.T) {
	broker := brokertest.New(nil)
	broker.FailAppAuthCode = "CH_CLIENT_AUTH_FAILURE"
	cfg := testConfig(brokertest.NewDialer(broker))
	cfg.Reconnect.Enabled = true

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed from connect, got %v", err)
	}
	if state := s.State(); state != StateFatal {
		t.Fatalf("expected fatal state, got %v", state)
	}
	if _, err := s.SendRequest(context.Background(), testPayloadType, nil); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed from send, got %v", err)
	}
}

func TestRetriableRemoteAuthErrorIsNotFatal(t *testing.T) {
	first := brokertest.New(nil)
	first.FailAppAuthCode = "SERVER_IS_UNDER_MAINTENANCE"
	second := brokertest.New(echoHandler)

	cfg := testConfig(brokertest.NewDialer(first, second))
	cfg.Reconnect.Enabled = true
	cfg.Reconnect.BaseDelay = 10 * time.Millisecond
	s := connectedSession(t, cfg)

	if state := s.State(); state != StateReady {
		t.Fatalf("expected ready after retried auth, got %v", state)
	}
}

func TestConnectFailsWithoutReconnect(t *testing.T) {
	cfg := testConfig(brokertest.NewDialer()) // dial always fails
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestTransportLossFailsPendingAndReconnects(t *testing.T) {
	first := brokertest.New(nil) // swallows the in-flight request
	second := brokertest.New(echoHandler)

	cfg := testConfig(brokertest.NewDialer(first, second))
	cfg.Reconnect.Enabled = true
	cfg.Reconnect.BaseDelay = 10 * time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	s := connectedSession(t, cfg)

	pendingErr := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), testPayloadType, nil)
		pendingErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	first.Close()

	select {
	case err := <-pendingErr:
		if !errors.Is(err, ErrTransportLost) {
			t.Fatalf("expected ErrTransportLost, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending request not failed on transport loss")
	}

	// The supervisor re-auths against the second broker.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateReady {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if s.State() != StateReady {
		t.Fatalf("session did not recover: state=%v", s.State())
	}

	if _, err := s.SendRequest(context.Background(), testPayloadType, nil); err != nil {
		t.Fatalf("request after reconnect: %v", err)
	}
	snap := s.Metrics().Snapshot()
	if snap.ReconnectAttempts == 0 || snap.ReconnectSuccesses != 1 {
		t.Fatalf("reconnect metrics mismatch: attempts=%d successes=%d", snap.ReconnectAttempts, snap.ReconnectSuccesses)
	}
}

func TestDisconnectEndsStreamsAndRequests(t *testing.T) {
	broker := brokertest.New(echoHandler)
	s := connectedSession(t, testConfig(brokertest.NewDialer(broker)))

	sub, err := s.Subscribe(context.Background(), SubscribeOptions{
		Topics:    []string{TopicTicks(1)},
		QueueSize: 10,
		Policy:    PolicyDropOldest,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	popErr := make(chan error, 1)
	go func() {
		_, err := sub.Pop(context.Background())
		popErr <- err
	}()

	s.Disconnect()

	select {
	case err := <-popErr:
		if !errors.Is(err, ErrStreamClosed) {
			t.Fatalf("expected ErrStreamClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not ended by disconnect")
	}

	if _, err := s.SendRequest(context.Background(), testPayloadType, nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after disconnect, got %v", err)
	}
}

func TestOrphanResponsesReachOrphanTopic(t *testing.T) {
	broker := brokertest.New(nil)
	cfg := testConfig(brokertest.NewDialer(broker))
	cfg.RequestTimeout = 100 * time.Millisecond
	s := connectedSession(t, cfg)

	orphans, err := s.Subscribe(context.Background(), SubscribeOptions{
		Topics:    []string{TopicOrphan},
		QueueSize: 10,
		Policy:    PolicyDropOldest,
	})
	if err != nil {
		t.Fatalf("subscribe orphan: %v", err)
	}

	// A response nobody is waiting for lands on the orphan topic.
	const correlationID = "ghost-correlation"
	err = broker.Send(envelope.Envelope{
		PayloadType:   testPayloadType + 1,
		Payload:       []byte("late"),
		CorrelationID: correlationID,
	})
	if err != nil {
		t.Fatalf("send late response: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := orphans.Pop(ctx)
	if err != nil {
		t.Fatalf("pop orphan: %v", err)
	}
	if env.CorrelationID != correlationID {
		t.Fatalf("orphan correlation mismatch: %q", env.CorrelationID)
	}
}
