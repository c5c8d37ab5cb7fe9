package hub

import (
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/williamchildres/terminal-messenger/internal/protocol"
)

func testRegistry() *Registry {
	return NewRegistry(zerolog.Nop())
}

// drainEnvelope pops one frame from the handle's queue and decodes it.
func drainEnvelope(t *testing.T, h *Handle) protocol.Envelope {
	t.Helper()
	select {
	case f := <-h.Outbound():
		if f.Op != ws.OpText {
			t.Fatalf("frame op = %v, want text", f.Op)
		}
		e, err := protocol.Decode(f.Payload)
		if err != nil {
			t.Fatalf("decode queued frame: %v", err)
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return protocol.Envelope{}
	}
}

func TestHandleEnqueue(t *testing.T) {
	h := NewHandle("c1", 2)

	if !h.Enqueue(TextFrame([]byte("a"))) || !h.Enqueue(TextFrame([]byte("b"))) {
		t.Fatal("enqueue into empty queue failed")
	}
	// Queue full.
	if h.Enqueue(TextFrame([]byte("c"))) {
		t.Fatal("enqueue into full queue succeeded")
	}

	<-h.Outbound()
	if !h.Enqueue(TextFrame([]byte("d"))) {
		t.Fatal("enqueue after drain failed")
	}

	h.Close()
	h.Close() // idempotent
	if h.Enqueue(TextFrame([]byte("e"))) {
		t.Fatal("enqueue after close succeeded")
	}
}

func TestHandleUsername(t *testing.T) {
	h := NewHandle("c1", 1)
	if h.Username() != "" {
		t.Fatalf("initial username = %q, want empty", h.Username())
	}
	h.SetUsername("alice")
	if h.Username() != "alice" {
		t.Fatalf("username = %q, want alice", h.Username())
	}
}

func TestRegistryInsertGetRemove(t *testing.T) {
	reg := testRegistry()
	h := NewHandle("c1", 1)
	h.SetUsername("alice")

	reg.Insert(h)
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
	if got := reg.Get("c1"); got != h {
		t.Fatalf("Get = %v, want inserted handle", got)
	}

	if got := reg.Remove("c1"); got != h {
		t.Fatalf("Remove = %v, want inserted handle", got)
	}
	// Second remove is a no-op returning nil.
	if got := reg.Remove("c1"); got != nil {
		t.Fatalf("second Remove = %v, want nil", got)
	}
	if got := reg.Get("c1"); got != nil {
		t.Fatalf("Get after remove = %v, want nil", got)
	}
}

func TestRegistryCollisionKeepsNewest(t *testing.T) {
	reg := testRegistry()
	old := NewHandle("c1", 1)
	newer := NewHandle("c1", 1)

	reg.Insert(old)
	reg.Insert(newer)
	if got := reg.Get("c1"); got != newer {
		t.Fatal("collision did not keep the newer handle")
	}
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
}

func TestRegistryFindByUsername(t *testing.T) {
	reg := testRegistry()
	a := NewHandle("c1", 1)
	a.SetUsername("alice")
	b := NewHandle("c2", 1)
	b.SetUsername("bob")
	reg.Insert(a)
	reg.Insert(b)

	if got := reg.FindByUsername("bob"); got != b {
		t.Fatalf("FindByUsername(bob) = %v", got)
	}
	if got := reg.FindByUsername("ghost"); got != nil {
		t.Fatalf("FindByUsername(ghost) = %v, want nil", got)
	}
}

func TestRegistryUsernamesSkipsUnnamed(t *testing.T) {
	reg := testRegistry()
	a := NewHandle("c1", 1)
	a.SetUsername("alice")
	unnamed := NewHandle("c2", 1)
	reg.Insert(a)
	reg.Insert(unnamed)

	names := reg.Usernames()
	if len(names) != 1 || names[0] != "alice" {
		t.Fatalf("Usernames = %v, want [alice]", names)
	}
}

func TestFanOutReachesAllSessions(t *testing.T) {
	reg := testRegistry()
	rt := NewRouter(reg, zerolog.Nop())

	handles := make([]*Handle, 3)
	for i, id := range []string{"c1", "c2", "c3"} {
		handles[i] = NewHandle(id, 8)
		reg.Insert(handles[i])
	}

	rt.FanOut(protocol.NewChat("alice", "hi"))

	for _, h := range handles {
		e := drainEnvelope(t, h)
		if e.Chat == nil || e.Chat.Content != "hi" {
			t.Fatalf("handle %s received %+v", h.ID(), e)
		}
	}
}

func TestFanOutPreservesProducerOrder(t *testing.T) {
	reg := testRegistry()
	rt := NewRouter(reg, zerolog.Nop())
	h := NewHandle("c1", 8)
	reg.Insert(h)

	rt.FanOut(protocol.NewChat("alice", "first"))
	rt.FanOut(protocol.NewChat("alice", "second"))

	if e := drainEnvelope(t, h); e.Chat.Content != "first" {
		t.Fatalf("first received = %q", e.Chat.Content)
	}
	if e := drainEnvelope(t, h); e.Chat.Content != "second" {
		t.Fatalf("second received = %q", e.Chat.Content)
	}
}

func TestFanOutKicksFullQueue(t *testing.T) {
	reg := testRegistry()
	rt := NewRouter(reg, zerolog.Nop())

	slow := NewHandle("slow", 1)
	kicked := make(chan string, 1)
	slow.OnKick(func(reason string) { kicked <- reason })
	reg.Insert(slow)

	healthy := NewHandle("healthy", 8)
	reg.Insert(healthy)

	slow.Enqueue(TextFrame([]byte("stuck"))) // fill the queue
	rt.FanOut(protocol.NewChat("alice", "hi"))

	select {
	case reason := <-kicked:
		if reason != "slow_consumer" {
			t.Fatalf("kick reason = %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("slow session was not kicked")
	}

	// The healthy session still received the broadcast.
	if e := drainEnvelope(t, healthy); e.Chat == nil || e.Chat.Content != "hi" {
		t.Fatalf("healthy session received %+v", e)
	}
}

func TestDirect(t *testing.T) {
	reg := testRegistry()
	rt := NewRouter(reg, zerolog.Nop())

	bob := NewHandle("c1", 8)
	bob.SetUsername("bob")
	other := NewHandle("c2", 8)
	other.SetUsername("carol")
	reg.Insert(bob)
	reg.Insert(other)

	if !rt.Direct("bob", protocol.NewSystem("(Private message from alice): hello")) {
		t.Fatal("Direct to existing user reported not found")
	}
	e := drainEnvelope(t, bob)
	if e.System == nil || *e.System != "(Private message from alice): hello" {
		t.Fatalf("bob received %+v", e)
	}

	// No other session observes the message.
	select {
	case f := <-other.Outbound():
		t.Fatalf("unrelated session received %s", f.Payload)
	default:
	}

	if rt.Direct("ghost", protocol.NewSystem("x")) {
		t.Fatal("Direct to unknown user reported delivered")
	}
}

func TestSendToClosedHandleKicks(t *testing.T) {
	rt := NewRouter(testRegistry(), zerolog.Nop())

	h := NewHandle("c1", 8)
	kicked := make(chan string, 1)
	h.OnKick(func(reason string) { kicked <- reason })
	h.Close()

	rt.Send(h, protocol.NewSystem("too late"))
	select {
	case <-kicked:
	case <-time.After(time.Second):
		t.Fatal("closed session was not kicked")
	}
}
