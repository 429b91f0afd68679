// Package httpapi exposes the room registry over HTTP/1.1+JSON: room
// creation, join, send, poll, leave, and read-only info, plus a health
// check. All bodies are JSON; CORS is wide open since a browser-hosted
// UI with no fixed origin is an explicit deployment target.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sos-chat/internal/logger"
	"sos-chat/internal/metrics"
	"sos-chat/internal/registry"
)

// Server wires a Registry onto an http.Handler.
type Server struct {
	reg     *registry.Registry
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// New returns a Server backed by reg. m and log may be nil; a nil metrics
// is tolerated by simply skipping latency recording.
func New(reg *registry.Registry, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.New("HTTPAPI", "info")
	}
	return &Server{reg: reg, metrics: m, log: log, now: time.Now}
}

// Handler returns the full HTTP handler, CORS middleware included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /room", s.handleCreateRoom)
	mux.HandleFunc("POST /room/{fp}/join", s.handleJoin)
	mux.HandleFunc("POST /room/{fp}/send", s.handleSend)
	mux.HandleFunc("GET /room/{fp}/poll", s.handlePoll)
	mux.HandleFunc("POST /room/{fp}/leave", s.handleLeave)
	mux.HandleFunc("GET /room/{fp}/info", s.handleInfo)
	mux.HandleFunc("/", s.handleNotFound)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Max-Age", "3600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not_found")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"rooms":     s.reg.Count(),
		"timestamp": s.now().Unix(),
	})
}

type createRoomRequest struct {
	RoomHash string `json:"room_hash"`
	Mode     string `json:"mode"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	room, memberID, err := s.reg.CreateRoom(clientIP(r), req.RoomHash, req.Mode)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"room_hash":  room.Fingerprint,
		"mode":       room.Mode,
		"created_at": room.CreatedAt.Unix(),
		"expires_at": room.ExpiresAt.Unix(),
		"member_id":  memberID,
		"members":    map[string]string{memberID: "creator"},
	})
}

type joinRequest struct {
	Nickname string `json:"nickname"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	var req joinRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	room, memberID, err := s.reg.JoinRoom(clientIP(r), fp, req.Nickname)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	count, lastTS := s.reg.MessageCountAndLastTS(room)

	writeJSON(w, http.StatusOK, map[string]any{
		"room_hash":       room.Fingerprint,
		"mode":            room.Mode,
		"created_at":      room.CreatedAt.Unix(),
		"expires_at":      room.ExpiresAt.Unix(),
		"member_id":       memberID,
		"message_count":   count,
		"last_message_ts": lastTS,
	})
}

type sendRequest struct {
	Content  string `json:"content"`
	Sender   string `json:"sender"`
	MemberID string `json:"member_id"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	start := s.now()
	msg, err := s.reg.SendMessage(fp, req.Content, req.Sender, req.MemberID)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSendLatency(s.now().Sub(start))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":        msg.ID,
		"timestamp": msg.Timestamp,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_since")
		return
	}

	start := s.now()
	msgs, roster, expiresAt, err := s.reg.Poll(fp, since)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordPollLatency(s.now().Sub(start))
	}

	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"id":        m.ID,
			"sender":    m.Sender,
			"content":   m.Content,
			"timestamp": m.Timestamp,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages":      out,
		"members":       roster,
		"expires_at":    expiresAt.Unix(),
		"message_count": len(msgs),
	})
}

type leaveRequest struct {
	MemberID string `json:"member_id"`
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	var req leaveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.reg.Leave(fp, req.MemberID); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "left"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	room, roster, msgCount, err := s.reg.Info(fp)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	remaining := int(room.ExpiresAt.Sub(s.now()).Seconds())
	if remaining < 0 {
		remaining = 0
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"room_hash":         room.Fingerprint,
		"mode":              room.Mode,
		"created_at":        room.CreatedAt.Unix(),
		"expires_at":        room.ExpiresAt.Unix(),
		"members":           roster,
		"message_count":     msgCount,
		"seconds_remaining": remaining,
	})
}

// writeRegistryError maps a Registry sentinel error to the matching status
// code and response shape.
func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	var rateErr *registry.RateLimitError
	switch {
	case asRateLimit(err, &rateErr):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate_limited",
			"retry_after": rateErr.RetryAfter,
		})
	case err == registry.ErrInvalidInput:
		writeError(w, http.StatusBadRequest, "invalid_input")
	case err == registry.ErrRoomExists:
		writeError(w, http.StatusConflict, "room_exists")
	case err == registry.ErrRoomNotFound:
		writeError(w, http.StatusNotFound, "room_not_found")
	default:
		s.log.Errorf("handler", "unexpected registry error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func asRateLimit(err error, target **registry.RateLimitError) bool {
	re, ok := err.(*registry.RateLimitError)
	if ok {
		*target = re
	}
	return ok
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if r.ContentLength == 0 {
		return true // empty body is fine; v keeps its zero value
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_json")
		return false
	}
	return true
}

func parseSince(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// clientIP extracts the caller's address per the documented precedence:
// X-Forwarded-For (first hop) → X-Real-IP → RemoteAddr → "unknown".
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, tag string) {
	writeJSON(w, status, map[string]string{"error": tag})
}
