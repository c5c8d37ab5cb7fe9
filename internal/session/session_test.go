package session

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/williamchildres/terminal-messenger/internal/auth"
	"github.com/williamchildres/terminal-messenger/internal/command"
	"github.com/williamchildres/terminal-messenger/internal/history"
	"github.com/williamchildres/terminal-messenger/internal/hub"
	"github.com/williamchildres/terminal-messenger/internal/protocol"
)

func defaultConfig() Config {
	return Config{
		PingInterval:    time.Minute,
		PongTimeout:     time.Second,
		MaxAuthAttempts: 5,
		SendBuffer:      64,
	}
}

type fixture struct {
	t        *testing.T
	registry *hub.Registry
	router   *hub.Router
	history  *history.Ring
	sess     *Session
	client   net.Conn
	cancel   context.CancelFunc
	served   chan struct{}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	return newFixtureWithUsers(t, cfg, map[string]string{"user1": "password1", "user2": "password2"})
}

func newFixtureWithUsers(t *testing.T, cfg Config, users map[string]string) *fixture {
	t.Helper()

	logger := zerolog.Nop()
	registry := hub.NewRegistry(logger)
	router := hub.NewRouter(registry, logger)
	hist := history.NewRing(16)
	store, err := auth.NewStore(users)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	server, client := net.Pipe()
	sess := New(server, cfg, Deps{
		Registry:    registry,
		Router:      router,
		Dispatcher:  command.NewDispatcher(registry, router, logger),
		Credentials: store,
		History:     hist,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		sess.Serve(ctx)
		close(served)
	}()

	f := &fixture{
		t:        t,
		registry: registry,
		router:   router,
		history:  hist,
		sess:     sess,
		client:   client,
		cancel:   cancel,
		served:   served,
	}
	t.Cleanup(f.stop)
	return f
}

func (f *fixture) stop() {
	f.client.Close()
	f.cancel()
	select {
	case <-f.served:
	case <-time.After(2 * time.Second):
		f.t.Fatal("session did not stop")
	}
}

func (f *fixture) send(e protocol.Envelope) {
	f.t.Helper()
	data, err := protocol.Encode(e)
	if err != nil {
		f.t.Fatalf("encode: %v", err)
	}
	if err := wsutil.WriteClientMessage(f.client, ws.OpText, data); err != nil {
		f.t.Fatalf("write client message: %v", err)
	}
}

func (f *fixture) login(creds string) {
	f.t.Helper()
	f.send(protocol.NewSystem(creds))
}

// recvEnvelope reads server frames until a text frame arrives, answering
// pings along the way.
func (f *fixture) recvEnvelope() protocol.Envelope {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.client.SetReadDeadline(deadline)
		frame, err := ws.ReadFrame(f.client)
		if err != nil {
			f.t.Fatalf("read frame: %v", err)
		}
		switch frame.Header.OpCode {
		case ws.OpText:
			env, err := protocol.Decode(frame.Payload)
			if err != nil {
				f.t.Fatalf("decode %q: %v", frame.Payload, err)
			}
			return env
		case ws.OpPing:
			pong := ws.MaskFrameInPlace(ws.NewPongFrame(frame.Payload))
			if err := ws.WriteFrame(f.client, pong); err != nil {
				f.t.Fatalf("write pong: %v", err)
			}
		case ws.OpClose:
			f.t.Fatal("connection closed while waiting for envelope")
		}
	}
}

func (f *fixture) recvSystem() string {
	f.t.Helper()
	env := f.recvEnvelope()
	if env.System == nil {
		f.t.Fatalf("expected system message, got %s", env.Kind())
	}
	return *env.System
}

// readUntilClosed drains server frames without ever answering pings and
// reports whether a close frame or connection teardown ended the stream
// before the deadline.
func (f *fixture) readUntilClosed(timeout time.Duration) bool {
	f.t.Helper()
	f.client.SetReadDeadline(time.Now().Add(timeout))
	for {
		frame, err := ws.ReadFrame(f.client)
		if err != nil {
			return !errors.Is(err, os.ErrDeadlineExceeded)
		}
		if frame.Header.OpCode == ws.OpClose {
			return true
		}
	}
}

func (f *fixture) authenticate() {
	f.t.Helper()
	f.login("user1:password1")
	if got := f.recvSystem(); got != "Authentication successful" {
		f.t.Fatalf("auth reply = %q", got)
	}
	waitUntil(f.t, func() bool { return f.registry.Len() == 1 })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// observer registers a bare handle so tests can watch what the router
// fans out during the session's lifecycle.
func observer(t *testing.T, registry *hub.Registry, username string) *hub.Handle {
	t.Helper()
	h := hub.NewHandle("observer-"+username, 32)
	h.SetUsername(username)
	registry.Insert(h)
	return h
}

func observerEnvelope(t *testing.T, h *hub.Handle) protocol.Envelope {
	t.Helper()
	select {
	case frame := <-h.Outbound():
		env, err := protocol.Decode(frame.Payload)
		if err != nil {
			t.Fatalf("decode observer frame: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("observer received nothing")
	}
	return protocol.Envelope{}
}

func TestAuthSuccessReplaysHistory(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.history.Append(protocol.NewChat("user2", "first"))
	f.history.Append(protocol.NewSystem("user2 has disconnected."))

	f.login("user1:password1")

	if got := f.recvSystem(); got != "Authentication successful" {
		t.Fatalf("auth reply = %q", got)
	}
	first := f.recvEnvelope()
	if first.Chat == nil || first.Chat.Sender != "user2" || first.Chat.Content != "first" {
		t.Fatalf("replay[0] = %+v", first)
	}
	if got := f.recvSystem(); got != "user2 has disconnected." {
		t.Fatalf("replay[1] = %q", got)
	}
	waitUntil(t, func() bool { return f.registry.Len() == 1 })
	if got := f.registry.Usernames(); len(got) != 1 || got[0] != "user1" {
		t.Fatalf("usernames = %v", got)
	}
}

func TestAuthFailureCountdownAndLockout(t *testing.T) {
	f := newFixture(t, defaultConfig())
	obs := observer(t, f.registry, "watcher")

	want := []string{
		"Authentication failed. 4 attempts remaining.",
		"Authentication failed. 3 attempts remaining.",
		"Authentication failed. 2 attempts remaining.",
		"Authentication failed. 1 attempts remaining.",
	}
	for i, expected := range want {
		f.login("user1:wrong")
		if got := f.recvSystem(); got != expected {
			t.Fatalf("attempt %d reply = %q, want %q", i+1, got, expected)
		}
	}

	f.login("user1:wrong")
	if got := f.recvSystem(); got != "Authentication failed. 0 attempts remaining." {
		t.Fatalf("final countdown reply = %q", got)
	}
	if got := f.recvSystem(); got != "Max login attempts reached. Connection closed." {
		t.Fatalf("lockout reply = %q", got)
	}
	if !f.readUntilClosed(2 * time.Second) {
		t.Fatal("connection still open after lockout")
	}

	// A session that never authenticated does not announce a departure.
	select {
	case <-f.served:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after lockout")
	}
	select {
	case frame := <-obs.Outbound():
		t.Fatalf("observer got unexpected frame %q", frame.Payload)
	default:
	}
}

func TestPreAuthEnvelopesDoNotConsumeAttempts(t *testing.T) {
	f := newFixture(t, defaultConfig())

	f.send(protocol.NewChat("ghost", "hello?"))
	f.send(protocol.NewCommand("list"))

	f.login("user1:wrong")
	if got := f.recvSystem(); got != "Authentication failed. 4 attempts remaining." {
		t.Fatalf("reply = %q", got)
	}
}

func TestWrongThenRightCredentials(t *testing.T) {
	f := newFixture(t, defaultConfig())

	f.login("user1:nope")
	if got := f.recvSystem(); got != "Authentication failed. 4 attempts remaining." {
		t.Fatalf("reply = %q", got)
	}
	f.login("user1:password1")
	if got := f.recvSystem(); got != "Authentication successful" {
		t.Fatalf("reply = %q", got)
	}
	waitUntil(t, func() bool { return f.registry.Len() == 1 })
}

func TestPasswordWithColonSurvivesSplit(t *testing.T) {
	f := newFixtureWithUsers(t, defaultConfig(), map[string]string{"user1": "pa:ss"})

	f.login("user1:pa:ss")
	if got := f.recvSystem(); got != "Authentication successful" {
		t.Fatalf("reply = %q", got)
	}
}

func TestChatIsStampedFannedOutAndRecorded(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.authenticate()
	obs := observer(t, f.registry, "watcher")

	f.send(protocol.Envelope{Chat: &protocol.ChatMessage{Sender: "spoofed", Content: "hello room"}})

	got := observerEnvelope(t, obs)
	if got.Chat == nil || got.Chat.Sender != "user1" || got.Chat.Content != "hello room" {
		t.Fatalf("observer got %+v", got)
	}

	// The sender is in the registry too, so it hears its own message.
	echo := f.recvEnvelope()
	if echo.Chat == nil || echo.Chat.Sender != "user1" {
		t.Fatalf("echo = %+v", echo)
	}

	waitUntil(t, func() bool { return f.history.Len() == 1 })
	snap := f.history.Snapshot()
	if snap[0].Chat == nil || snap[0].Chat.Sender != "user1" || snap[0].Chat.Content != "hello room" {
		t.Fatalf("history = %+v", snap[0])
	}
}

func TestCommandsRouteThroughDispatcher(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.authenticate()

	f.send(protocol.NewCommand("name", "neo"))
	if got := f.recvSystem(); got != "Your name is now set to 'neo'" {
		t.Fatalf("rename reply = %q", got)
	}

	f.send(protocol.NewCommand("list"))
	if got := f.recvSystem(); got != "Connected users: neo" {
		t.Fatalf("list reply = %q", got)
	}
}

func TestMalformedFrameIsIgnored(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.authenticate()

	if err := wsutil.WriteClientMessage(f.client, ws.OpText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The session keeps serving afterwards.
	f.send(protocol.NewCommand("list"))
	if got := f.recvSystem(); got != "Connected users: user1" {
		t.Fatalf("list reply = %q", got)
	}
}

func TestClientPingGetsPongWithPayload(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.authenticate()

	ping := ws.MaskFrameInPlace(ws.NewPingFrame([]byte("probe")))
	if err := ws.WriteFrame(f.client, ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	f.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		frame, err := ws.ReadFrame(f.client)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Header.OpCode == ws.OpPong {
			if string(frame.Payload) != "probe" {
				t.Fatalf("pong payload = %q", frame.Payload)
			}
			return
		}
	}
}

func TestCloseFrameAnnouncesDeparture(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.authenticate()
	obs := observer(t, f.registry, "watcher")

	if err := wsutil.WriteClientMessage(f.client, ws.OpClose, nil); err != nil {
		t.Fatalf("write close: %v", err)
	}

	got := observerEnvelope(t, obs)
	if got.System == nil || *got.System != "user1 has disconnected." {
		t.Fatalf("announcement = %+v", got)
	}
	waitUntil(t, func() bool { return f.registry.Len() == 1 })
}

func TestDroppedConnAnnouncesDeparture(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.authenticate()
	obs := observer(t, f.registry, "watcher")

	f.client.Close()

	got := observerEnvelope(t, obs)
	if got.System == nil || *got.System != "user1 has disconnected." {
		t.Fatalf("announcement = %+v", got)
	}
}

func TestKeeperTimeoutTearsDown(t *testing.T) {
	cfg := defaultConfig()
	cfg.PingInterval = 30 * time.Millisecond
	cfg.PongTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.authenticate()

	// Never answer the probe; the keeper should give up and close.
	if !f.readUntilClosed(2 * time.Second) {
		t.Fatal("connection survived missed pong")
	}
	waitUntil(t, func() bool { return f.registry.Len() == 0 })
}

func TestKeeperSurvivesWhenClientPongs(t *testing.T) {
	cfg := defaultConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.authenticate()

	// Answer pings for several intervals, then confirm the session is
	// still registered and responsive.
	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		f.client.SetReadDeadline(time.Now().Add(time.Second))
		frame, err := ws.ReadFrame(f.client)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Header.OpCode == ws.OpPing {
			pong := ws.MaskFrameInPlace(ws.NewPongFrame(frame.Payload))
			if err := ws.WriteFrame(f.client, pong); err != nil {
				t.Fatalf("write pong: %v", err)
			}
		}
	}

	if f.registry.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", f.registry.Len())
	}
	f.send(protocol.NewCommand("list"))
	if got := f.recvSystem(); got != "Connected users: user1" {
		t.Fatalf("list reply = %q", got)
	}
}

func TestServerShutdownClosesSession(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.authenticate()

	f.cancel()
	if !f.readUntilClosed(2 * time.Second) {
		t.Fatal("connection survived shutdown")
	}
	select {
	case <-f.served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}
