// Package transport implements the client-side connection state machine: a
// SOCKS5-first, direct-HTTP-fallback transport, a single cooperative poll
// loop, a staleness-bounded outbound send queue, and exponential-backoff
// reconnection. It knows nothing about encryption — that is the Controller's
// job, layered on top.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"sos-chat/internal/logger"
)

// State is one node in the connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Timing constants, all named in spec §4.3.
const (
	PollInterval        = 1500 * time.Millisecond
	BackoffInitial      = 1 * time.Second
	BackoffMax          = 30 * time.Second
	BackoffMultiplier   = 2
	SendQueueStaleAfter = 300 * time.Second
	ConnectTimeout      = 10 * time.Second
	ConnectPhaseTimeout = 5 * time.Second
	HealthProbeTimeout  = 3 * time.Second
)

// Sentinel errors returned by the room-management calls.
var (
	ErrRoomNotFound = errors.New("transport: room not found")
	ErrRoomExists   = errors.New("transport: room already exists")
	ErrBadRequest   = errors.New("transport: malformed request")
)

// RateLimitedError is returned when the relay answers 429.
type RateLimitedError struct {
	RetryAfter int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("transport: rate limited, retry after %ds", e.RetryAfter)
}

// Message is one poll-delivered entry, still ciphertext to this layer.
type Message struct {
	ID        string
	Sender    string
	Content   string
	Timestamp int64
}

// Callbacks are invoked from the poll-loop goroutine. Implementations must
// not block for long; hand off to another goroutine/channel if needed.
type Callbacks struct {
	OnMessage       func(Message)
	OnStateChange   func(State)
	OnMembersUpdate func(map[string]string)
	OnRoomExpire    func()
}

// Config configures how a Client reaches the relay.
type Config struct {
	RelayHost string
	RelayPort int
	UseDirect bool
	SocksHost string
	SocksPort int
}

func (c Config) baseURL() string {
	return fmt.Sprintf("http://%s:%d", c.RelayHost, c.RelayPort)
}

type queuedSend struct {
	content  string
	sender   string
	queuedAt time.Time
}

// Client is one session's connection state machine. Not safe for concurrent
// use from multiple goroutines except where documented (Send is safe to call
// from a UI goroutine while the poll loop runs in the background).
type Client struct {
	cfg Config
	log *logger.Logger
	now func() time.Time

	hcMu sync.Mutex
	hc   *http.Client

	stateMu sync.Mutex
	state   State

	fp       string
	memberID string
	lastTS   int64

	queueMu sync.Mutex
	queue   []queuedSend

	backoff time.Duration

	callbacks Callbacks

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a Client configured against cfg. Call Connect before any
// room operation.
func New(cfg Config, cb Callbacks, log *logger.Logger) *Client {
	if log == nil {
		log = logger.New("TRANSPORT", "info")
	}
	return &Client{
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		state:     StateDisconnected,
		backoff:   BackoffInitial,
		callbacks: cb,
		stop:      make(chan struct{}),
	}
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	changed := c.state != s
	c.state = s
	c.stateMu.Unlock()
	if changed && c.callbacks.OnStateChange != nil {
		c.callbacks.OnStateChange(s)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Connect performs connection bring-up: unless UseDirect is set, it tries a
// SOCKS5-tunneled client and probes /health with a short budget; on any
// failure it falls through to a direct HTTP client.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	if !c.cfg.UseDirect {
		hc, err := c.trySocks(ctx)
		if err == nil {
			c.hcMu.Lock()
			c.hc = hc
			c.hcMu.Unlock()
			c.setState(StateConnected)
			return nil
		}
		c.log.Debugf("connect", "socks probe failed, falling back to direct: %v", err)
	}

	c.hcMu.Lock()
	c.hc = directClient()
	c.hcMu.Unlock()
	c.setState(StateConnected)
	return nil
}

func (c *Client) trySocks(ctx context.Context) (*http.Client, error) {
	socksAddr := net.JoinHostPort(c.cfg.SocksHost, strconv.Itoa(c.cfg.SocksPort))
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, &net.Dialer{Timeout: ConnectPhaseTimeout})
	if err != nil {
		return nil, fmt.Errorf("build socks5 dialer: %w", err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support context")
	}

	transport := &http.Transport{
		DialContext:           contextDialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   ConnectPhaseTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	hc := &http.Client{Transport: transport, Timeout: ConnectPhaseTimeout}

	probeCtx, cancel := context.WithTimeout(ctx, HealthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.cfg.baseURL()+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health probe status %d", resp.StatusCode)
	}
	return hc, nil
}

func directClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   ConnectPhaseTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   ConnectPhaseTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: ConnectPhaseTimeout,
	}
}

// reconnect tears down the current client and attempts Connect again; used
// from the Reconnecting state.
func (c *Client) reconnect(ctx context.Context) error {
	return c.Connect(ctx)
}

// --- room operations ---

type createRoomResponse struct {
	RoomHash  string            `json:"room_hash"`
	Mode      string            `json:"mode"`
	CreatedAt int64             `json:"created_at"`
	ExpiresAt int64             `json:"expires_at"`
	MemberID  string            `json:"member_id"`
	Members   map[string]string `json:"members"`
}

// CreateRoom registers a new room and binds this Client to it.
func (c *Client) CreateRoom(ctx context.Context, roomHash, mode string) (createdAt, expiresAt int64, err error) {
	var resp createRoomResponse
	if err := c.postJSON(ctx, "/room", map[string]string{"room_hash": roomHash, "mode": mode}, &resp); err != nil {
		return 0, 0, err
	}
	c.fp = resp.RoomHash
	c.memberID = resp.MemberID
	return resp.CreatedAt, resp.ExpiresAt, nil
}

type joinRoomResponse struct {
	RoomHash      string `json:"room_hash"`
	Mode          string `json:"mode"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at"`
	MemberID      string `json:"member_id"`
	MessageCount  int    `json:"message_count"`
	LastMessageTS int64  `json:"last_message_ts"`
}

// JoinRoom joins an existing room and binds this Client to it.
func (c *Client) JoinRoom(ctx context.Context, fp, nickname string) (createdAt int64, err error) {
	var resp joinRoomResponse
	if err := c.postJSON(ctx, "/room/"+fp+"/join", map[string]string{"nickname": nickname}, &resp); err != nil {
		return 0, err
	}
	c.fp = resp.RoomHash
	c.memberID = resp.MemberID
	c.lastTS = resp.LastMessageTS
	return resp.CreatedAt, nil
}

// RoomInfo is a read-only snapshot of a room, for a "room details" panel.
type RoomInfo struct {
	RoomHash         string
	Mode             string
	CreatedAt        int64
	ExpiresAt        int64
	Members          map[string]string
	MessageCount     int
	SecondsRemaining int
}

// GetRoomInfo fetches a read-only snapshot of the bound room. A thin
// passthrough to GET /room/{fp}/info.
func (c *Client) GetRoomInfo(ctx context.Context) (*RoomInfo, error) {
	var resp struct {
		RoomHash         string            `json:"room_hash"`
		Mode             string            `json:"mode"`
		CreatedAt        int64             `json:"created_at"`
		ExpiresAt        int64             `json:"expires_at"`
		Members          map[string]string `json:"members"`
		MessageCount     int               `json:"message_count"`
		SecondsRemaining int               `json:"seconds_remaining"`
	}
	if err := c.getJSON(ctx, "/room/"+c.fp+"/info", &resp); err != nil {
		return nil, err
	}
	return &RoomInfo{
		RoomHash:         resp.RoomHash,
		Mode:             resp.Mode,
		CreatedAt:        resp.CreatedAt,
		ExpiresAt:        resp.ExpiresAt,
		Members:          resp.Members,
		MessageCount:     resp.MessageCount,
		SecondsRemaining: resp.SecondsRemaining,
	}, nil
}

// Send submits a message. If the client is not Connected, the payload is
// queued and "not delivered" (false) is reported instead of an error.
func (c *Client) Send(content, sender string) (delivered bool) {
	if c.State() != StateConnected {
		c.enqueue(content, sender)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), ConnectPhaseTimeout)
	defer cancel()
	var resp struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := c.postJSON(ctx, "/room/"+c.fp+"/send", map[string]string{
		"content":   content,
		"sender":    sender,
		"member_id": c.memberID,
	}, &resp); err != nil {
		c.log.Warnf("send", "transport error, queuing and reconnecting: %v", err)
		c.enqueue(content, sender)
		c.setState(StateReconnecting)
		return false
	}
	return true
}

func (c *Client) enqueue(content, sender string) {
	c.queueMu.Lock()
	c.queue = append(c.queue, queuedSend{content: content, sender: sender, queuedAt: c.now()})
	c.queueMu.Unlock()
}

// drainQueue flushes queued sends oldest-first, discarding stale ones.
func (c *Client) drainQueue() {
	c.queueMu.Lock()
	pending := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	var retry []queuedSend
	for _, q := range pending {
		if c.now().Sub(q.queuedAt) > SendQueueStaleAfter {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), ConnectPhaseTimeout)
		var resp struct {
			ID        string `json:"id"`
			Timestamp int64  `json:"timestamp"`
		}
		err := c.postJSON(ctx, "/room/"+c.fp+"/send", map[string]string{
			"content":   q.content,
			"sender":    q.sender,
			"member_id": c.memberID,
		}, &resp)
		cancel()
		if err != nil {
			retry = append(retry, q)
		}
	}
	if len(retry) > 0 {
		c.queueMu.Lock()
		c.queue = append(retry, c.queue...)
		c.queueMu.Unlock()
	}
}

type pollResponse struct {
	Messages     []Message         `json:"messages"`
	Members      map[string]string `json:"members"`
	ExpiresAt    int64             `json:"expires_at"`
	MessageCount int               `json:"message_count"`
}

// poll issues one poll request and dispatches results via callbacks. On a
// 404 it reports permanent room loss.
func (c *Client) poll(ctx context.Context) error {
	var resp pollResponse
	u := fmt.Sprintf("/room/%s/poll?since=%d&member_id=%s", c.fp, c.lastTS, url.QueryEscape(c.memberID))
	if err := c.getJSON(ctx, u, &resp); err != nil {
		if errors.Is(err, ErrRoomNotFound) && c.callbacks.OnRoomExpire != nil {
			c.callbacks.OnRoomExpire()
		}
		return err
	}

	for _, m := range resp.Messages {
		if m.Timestamp > c.lastTS {
			c.lastTS = m.Timestamp
		}
		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(m)
		}
	}
	if c.callbacks.OnMembersUpdate != nil {
		c.callbacks.OnMembersUpdate(resp.Members)
	}
	return nil
}

// Run starts the cooperative poll loop. It blocks until Leave is called or
// ctx is cancelled; run it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		switch c.State() {
		case StateConnected:
			if err := c.poll(ctx); err != nil {
				if errors.Is(err, ErrRoomNotFound) {
					return
				}
				c.log.Warnf("poll", "transport error: %v", err)
				c.setState(StateReconnecting)
				c.backoff = BackoffInitial
				continue
			}
			c.drainQueue()
			c.backoff = BackoffInitial
			c.sleep(PollInterval)

		case StateReconnecting:
			if err := c.reconnect(ctx); err != nil {
				c.sleep(c.backoff)
				c.backoff *= BackoffMultiplier
				if c.backoff > BackoffMax {
					c.backoff = BackoffMax
				}
				continue
			}
			c.setState(StateConnected)

		default:
			c.sleep(PollInterval)
		}
	}
}

// sleep waits for d or returns early if the loop is stopped, the cooperative
// cancellation point required by the spec.
func (c *Client) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.stop:
	}
}

// Leave cancels the poll loop, best-effort notifies the relay, closes the
// HTTP client, and returns to Disconnected. Never raises to the caller.
func (c *Client) Leave() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()

	if c.fp != "" && c.memberID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var resp map[string]any
		if err := c.postJSON(ctx, "/room/"+c.fp+"/leave", map[string]string{"member_id": c.memberID}, &resp); err != nil {
			c.log.Debugf("leave", "best-effort leave failed: %v", err)
		}
	}
	c.setState(StateDisconnected)
}

// --- HTTP plumbing ---

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.baseURL()+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.baseURL()+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	c.hcMu.Lock()
	hc := c.hc
	c.hcMu.Unlock()
	if hc == nil {
		hc = directClient()
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusNotFound:
		return ErrRoomNotFound
	case http.StatusConflict:
		return ErrRoomExists
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusTooManyRequests:
		var body struct {
			RetryAfter int `json:"retry_after"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &RateLimitedError{RetryAfter: body.RetryAfter}
	default:
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("transport: unexpected status %d: %s", resp.StatusCode, string(data))
	}
}
