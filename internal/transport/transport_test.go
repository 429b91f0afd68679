package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"sos-chat/internal/httpapi"
	"sos-chat/internal/registry"
)

func newTestRelay(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	reg := registry.New(registry.Options{})
	t.Cleanup(reg.Stop)

	srv := httptest.NewServer(httpapi.New(reg, nil, nil).Handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse relay url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return srv, Config{RelayHost: u.Hostname(), RelayPort: port, UseDirect: true}
}

func TestConnect_DirectMode(t *testing.T) {
	_, cfg := newTestRelay(t)
	c := New(cfg, Callbacks{}, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %v, want Connected", c.State())
	}
}

func TestCreateAndJoinRoom(t *testing.T) {
	_, cfg := newTestRelay(t)
	creator := New(cfg, Callbacks{}, nil)
	if err := creator.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	fp := "a1b2c3d4e5f6a7b8"
	createdAt, expiresAt, err := creator.CreateRoom(context.Background(), fp, "rotating")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if expiresAt <= createdAt {
		t.Errorf("expiresAt (%d) should be after createdAt (%d)", expiresAt, createdAt)
	}

	joiner := New(cfg, Callbacks{}, nil)
	if err := joiner.Connect(context.Background()); err != nil {
		t.Fatalf("connect joiner: %v", err)
	}
	if _, err := joiner.JoinRoom(context.Background(), fp, "bob"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
}

func TestJoinRoom_NotFound(t *testing.T) {
	_, cfg := newTestRelay(t)
	c := New(cfg, Callbacks{}, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := c.JoinRoom(context.Background(), "a1b2c3d4e5f6a7b8", "bob"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("got %v, want ErrRoomNotFound", err)
	}
}

func TestSend_WhileDisconnectedQueues(t *testing.T) {
	_, cfg := newTestRelay(t)
	c := New(cfg, Callbacks{}, nil)
	// Never connected: state is Disconnected.
	if delivered := c.Send("hello", "alice"); delivered {
		t.Error("expected Send to report not-delivered while disconnected")
	}
	c.queueMu.Lock()
	n := len(c.queue)
	c.queueMu.Unlock()
	if n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestSend_WhileConnectedDelivers(t *testing.T) {
	_, cfg := newTestRelay(t)
	c := New(cfg, Callbacks{}, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fp := "a1b2c3d4e5f6a7b8"
	if _, _, err := c.CreateRoom(context.Background(), fp, "rotating"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	if delivered := c.Send("hi", "alice"); !delivered {
		t.Error("expected Send to deliver while connected")
	}
}

func TestPollLoop_DeliversMessageToCallback(t *testing.T) {
	_, cfg := newTestRelay(t)

	var mu sync.Mutex
	var received []Message
	cb := Callbacks{
		OnMessage: func(m Message) {
			mu.Lock()
			received = append(received, m)
			mu.Unlock()
		},
	}

	c := New(cfg, cb, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fp := "a1b2c3d4e5f6a7b8"
	if _, _, err := c.CreateRoom(context.Background(), fp, "rotating"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	sender := New(cfg, Callbacks{}, nil)
	if err := sender.Connect(context.Background()); err != nil {
		t.Fatalf("sender connect: %v", err)
	}
	sender.fp = fp
	if delivered := sender.Send("XYZ==", "alice"); !delivered {
		t.Fatal("expected sender's message to deliver")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(received)
		mu.Unlock()
		if got > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	c.Leave()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d messages, want 1", len(received))
	}
	if received[0].Content != "XYZ==" {
		t.Errorf("content = %q, want XYZ==", received[0].Content)
	}
}

func TestGetRoomInfo(t *testing.T) {
	_, cfg := newTestRelay(t)
	c := New(cfg, Callbacks{}, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fp := "a1b2c3d4e5f6a7b8"
	createdAt, expiresAt, err := c.CreateRoom(context.Background(), fp, "rotating")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	info, err := c.GetRoomInfo(context.Background())
	if err != nil {
		t.Fatalf("GetRoomInfo: %v", err)
	}
	if info.RoomHash != fp {
		t.Errorf("RoomHash = %q, want %q", info.RoomHash, fp)
	}
	if info.Mode != "rotating" {
		t.Errorf("Mode = %q, want rotating", info.Mode)
	}
	if info.CreatedAt != createdAt || info.ExpiresAt != expiresAt {
		t.Errorf("CreatedAt/ExpiresAt = %d/%d, want %d/%d", info.CreatedAt, info.ExpiresAt, createdAt, expiresAt)
	}
	if info.MessageCount != 0 {
		t.Errorf("MessageCount = %d, want 0", info.MessageCount)
	}
	if len(info.Members) != 1 {
		t.Errorf("Members = %v, want 1 entry (creator)", info.Members)
	}
}

func TestGetRoomInfo_NotFound(t *testing.T) {
	_, cfg := newTestRelay(t)
	c := New(cfg, Callbacks{}, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.fp = "0000000000000000"
	if _, err := c.GetRoomInfo(context.Background()); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("got %v, want ErrRoomNotFound", err)
	}
}

func TestLeave_ReturnsToDisconnected(t *testing.T) {
	_, cfg := newTestRelay(t)
	c := New(cfg, Callbacks{}, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fp := "a1b2c3d4e5f6a7b8"
	if _, _, err := c.CreateRoom(context.Background(), fp, "rotating"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	c.Leave()
	cancel()

	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want Disconnected", c.State())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		StateError:        "error",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
