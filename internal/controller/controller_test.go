package controller

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"sos-chat/internal/crypto"
	"sos-chat/internal/httpapi"
	"sos-chat/internal/registry"
	"sos-chat/internal/transport"
)

func testCreds(mode crypto.Mode) Credentials {
	return Credentials{
		Emojis:    []string{"🔥", "🌙", "⭐", "🎯", "🌊", "💎"},
		Mode:      mode,
		CreatedAt: 1_700_000_000,
		FixedPIN:  "123456",
	}
}

func TestKeyFor_FixedModeIsBucketInvariant(t *testing.T) {
	c := New(testCreds(crypto.ModeFixed), transport.Config{}, Callbacks{}, nil)
	k1 := c.keyFor(100)
	k2 := c.keyFor(999)
	if k1 != k2 {
		t.Error("fixed-mode key should not vary with bucket")
	}
}

func TestKeyFor_RotatingModeVariesByBucket(t *testing.T) {
	c := New(testCreds(crypto.ModeRotating), transport.Config{}, Callbacks{}, nil)
	k1 := c.keyFor(100)
	k2 := c.keyFor(101)
	if k1 == k2 {
		t.Error("rotating-mode key should vary with bucket")
	}
}

func TestKeyFor_CachesByAnchor(t *testing.T) {
	c := New(testCreds(crypto.ModeRotating), transport.Config{}, Callbacks{}, nil)
	k1 := c.keyFor(100)
	if len(c.keys) != 1 {
		t.Fatalf("expected 1 cached key, got %d", len(c.keys))
	}
	k2 := c.keyFor(100)
	if k1 != k2 {
		t.Error("same bucket should return the same cached key")
	}
	if len(c.keys) != 1 {
		t.Errorf("cache should still have 1 entry, got %d", len(c.keys))
	}
}

func TestEncryptDecrypt_SameBucketRoundTrips(t *testing.T) {
	creds := testCreds(crypto.ModeRotating)
	sender := New(creds, transport.Config{}, Callbacks{}, nil)
	sender.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	var mu sync.Mutex
	var got ChatMessage
	receiver := New(creds, transport.Config{}, Callbacks{
		OnMessage: func(m ChatMessage) {
			mu.Lock()
			got = m
			mu.Unlock()
		},
	}, nil)
	receiver.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	bucket := crypto.CurrentBucket(sender.now())
	key := sender.keyFor(bucket)
	sealed, err := crypto.Encrypt([]byte("hello"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	receiver.handleInbound(transport.Message{
		ID:        "abc123",
		Sender:    "alice",
		Content:   encode(sealed),
		Timestamp: 1,
	})

	mu.Lock()
	defer mu.Unlock()
	if got.Text != "hello" {
		t.Errorf("decrypted text = %q, want %q", got.Text, "hello")
	}
}

func TestHandleInbound_PreviousBucketRecoversMessage(t *testing.T) {
	creds := testCreds(crypto.ModeRotating)

	var mu sync.Mutex
	var got ChatMessage
	receiver := New(creds, transport.Config{}, Callbacks{
		OnMessage: func(m ChatMessage) {
			mu.Lock()
			got = m
			mu.Unlock()
		},
	}, nil)

	// Encrypt under bucket B using a fixed clock, but ask the receiver to
	// decrypt as if it were already one bucket later (B+1) — only the
	// previous-bucket attempt should recover it.
	bucketTime := time.Unix(1_700_000_000, 0)
	bucket := crypto.CurrentBucket(bucketTime)
	key := receiver.keyFor(bucket)
	sealed, err := crypto.Encrypt([]byte("delayed"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	receiver.now = func() time.Time { return bucketTime.Add(crypto.BucketSeconds * time.Second) }
	receiver.handleInbound(transport.Message{ID: "x", Sender: "bob", Content: encode(sealed), Timestamp: 2})

	mu.Lock()
	defer mu.Unlock()
	if got.Text != "delayed" {
		t.Errorf("expected recovery via previous-bucket key, got %+v", got)
	}
}

func TestHandleInbound_WrongKeyReportsFailure(t *testing.T) {
	creds := testCreds(crypto.ModeFixed)
	other := testCreds(crypto.ModeFixed)
	other.FixedPIN = "999999"

	var failed string
	receiver := New(creds, transport.Config{}, Callbacks{
		OnDecryptFailure: func(id string) { failed = id },
	}, nil)
	attacker := New(other, transport.Config{}, Callbacks{}, nil)

	key := attacker.keyFor(0)
	sealed, err := crypto.Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	receiver.handleInbound(transport.Message{ID: "bad1", Sender: "eve", Content: encode(sealed), Timestamp: 3})
	if failed != "bad1" {
		t.Errorf("expected decrypt failure reported for bad1, got %q", failed)
	}
}

func TestHandleInbound_MalformedBase64ReportsFailure(t *testing.T) {
	creds := testCreds(crypto.ModeRotating)
	var failed string
	receiver := New(creds, transport.Config{}, Callbacks{
		OnDecryptFailure: func(id string) { failed = id },
	}, nil)

	receiver.handleInbound(transport.Message{ID: "bad2", Sender: "eve", Content: "not-base64!!", Timestamp: 4})
	if failed != "bad2" {
		t.Errorf("expected decrypt failure reported for bad2, got %q", failed)
	}
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func TestRoomInfo_PassesThroughToTransport(t *testing.T) {
	reg := registry.New(registry.Options{})
	t.Cleanup(reg.Stop)
	srv := httptest.NewServer(httpapi.New(reg, nil, nil).Handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse relay url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	tcfg := transport.Config{RelayHost: u.Hostname(), RelayPort: port, UseDirect: true}

	c := New(testCreds(crypto.ModeRotating), tcfg, Callbacks{}, nil)
	ctx := context.Background()
	if err := c.Transport().Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fp := "a1b2c3d4e5f6a7b8"
	if _, _, err := c.Transport().CreateRoom(ctx, fp, "rotating"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	info, err := c.RoomInfo(ctx)
	if err != nil {
		t.Fatalf("RoomInfo: %v", err)
	}
	if info.RoomHash != fp {
		t.Errorf("RoomHash = %q, want %q", info.RoomHash, fp)
	}
}
