// Package controller binds the crypto core to the transport layer: it
// derives and caches per-bucket keys, encrypts outbound text, attempts
// decryption of inbound ciphertext against the current and adjacent
// buckets, and republishes the transport's event streams in plaintext
// terms for a UI to consume.
package controller

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"sos-chat/internal/crypto"
	"sos-chat/internal/logger"
	"sos-chat/internal/transport"
)

// Credentials is the out-of-band shared secret for one room, held only on
// the client; it is never transmitted.
type Credentials struct {
	Emojis    []string
	Mode      crypto.Mode
	CreatedAt int64
	FixedPIN  string // present iff Mode == ModeFixed
}

func (c Credentials) roomID() string { return crypto.RoomID(c.Emojis) }

// ChatMessage is a decrypted, UI-ready message.
type ChatMessage struct {
	ID        string
	Sender    string
	Text      string
	Timestamp int64
}

// Callbacks mirror transport.Callbacks but surface plaintext and drop
// undecryptable entries instead of passing raw ciphertext through.
type Callbacks struct {
	OnMessage       func(ChatMessage)
	OnStateChange   func(transport.State)
	OnMembersUpdate func(map[string]string)
	OnRoomExpire    func()
	// OnDecryptFailure is optional; called when a message could not be
	// decrypted under the current or either adjacent bucket's key.
	OnDecryptFailure func(id string)
}

// Controller owns a transport.Client and the room credentials needed to
// encrypt/decrypt everything that crosses it.
type Controller struct {
	creds Credentials
	tr    *transport.Client
	log   *logger.Logger
	now   func() time.Time

	keyMu sync.Mutex
	keys  map[int64][32]byte // anchor -> derived key

	cb Callbacks
}

// New constructs a Controller bound to creds and a freshly built transport
// client configured by tcfg.
func New(creds Credentials, tcfg transport.Config, cb Callbacks, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.New("CONTROLLER", "info")
	}
	c := &Controller{
		creds: creds,
		log:   log,
		now:   time.Now,
		keys:  make(map[int64][32]byte),
		cb:    cb,
	}
	c.tr = transport.New(tcfg, transport.Callbacks{
		OnMessage:       c.handleInbound,
		OnStateChange:   cb.OnStateChange,
		OnMembersUpdate: cb.OnMembersUpdate,
		OnRoomExpire:    cb.OnRoomExpire,
	}, log)
	return c
}

// Transport returns the underlying transport client, for callers that need
// Connect/CreateRoom/JoinRoom/Run/Leave directly.
func (c *Controller) Transport() *transport.Client { return c.tr }

// RoomInfo fetches a read-only snapshot of the bound room, for a "room
// details" panel. A thin passthrough to the transport's GetRoomInfo.
func (c *Controller) RoomInfo(ctx context.Context) (*transport.RoomInfo, error) {
	return c.tr.GetRoomInfo(ctx)
}

// anchorFor returns the key-derivation anchor for a given bucket under the
// Controller's mode: createdAt for fixed mode (bucket-independent), or the
// bucket's start second for rotating mode.
func (c *Controller) anchorFor(bucket int64) int64 {
	if c.creds.Mode == crypto.ModeFixed {
		return c.creds.CreatedAt
	}
	return bucket * crypto.BucketSeconds
}

func (c *Controller) pinFor(bucket int64) string {
	if c.creds.Mode == crypto.ModeFixed {
		return c.creds.FixedPIN
	}
	return crypto.BucketPIN(c.creds.roomID(), bucket)
}

// keyFor returns the (cached) key for bucket, deriving and storing it on
// first use. Argon2id is expensive enough that repeated sends/polls within
// the same bucket must not redo it.
func (c *Controller) keyFor(bucket int64) [32]byte {
	anchor := c.anchorFor(bucket)

	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if k, ok := c.keys[anchor]; ok {
		return k
	}
	k := crypto.DeriveKey(c.creds.Emojis, c.pinFor(bucket), anchor)
	c.keys[anchor] = k
	return k
}

// Send encrypts text under the current bucket's key and submits it to the
// transport. Returns whether it was delivered immediately (false means it
// was queued).
func (c *Controller) Send(text, sender string) (bool, error) {
	bucket := crypto.CurrentBucket(c.now())
	key := c.keyFor(bucket)

	sealed, err := crypto.Encrypt([]byte(text), key)
	if err != nil {
		return false, err
	}
	encoded := base64.StdEncoding.EncodeToString(sealed)
	return c.tr.Send(encoded, sender), nil
}

// handleInbound is the transport.Callbacks.OnMessage hook: it decodes and
// attempts decryption against the current bucket, then the previous and
// next buckets (fixed mode has only one key, so only one attempt is made).
func (c *Controller) handleInbound(m transport.Message) {
	sealed, err := base64.StdEncoding.DecodeString(m.Content)
	if err != nil {
		c.log.Warnf("inbound", "message %s: not valid base64: %v", m.ID, err)
		c.reportDecryptFailure(m.ID)
		return
	}

	bucket := crypto.CurrentBucket(c.now())
	buckets := []int64{bucket}
	if c.creds.Mode == crypto.ModeRotating {
		buckets = []int64{bucket, bucket - 1, bucket + 1}
	}

	for _, b := range buckets {
		key := c.keyFor(b)
		plain, err := crypto.Decrypt(sealed, key)
		if err == nil {
			if c.cb.OnMessage != nil {
				c.cb.OnMessage(ChatMessage{
					ID:        m.ID,
					Sender:    m.Sender,
					Text:      string(plain),
					Timestamp: m.Timestamp,
				})
			}
			return
		}
	}
	c.reportDecryptFailure(m.ID)
}

func (c *Controller) reportDecryptFailure(id string) {
	if c.cb.OnDecryptFailure != nil {
		c.cb.OnDecryptFailure(id)
	}
}
