// Package metrics provides lightweight, lock-minimal performance counters
// for the room registry, plus a Prometheus collector that exposes the same
// counters for scraping.
//
// Counters use sync/atomic so hot paths (send, poll) incur no mutex
// contention. Latency statistics use a single mutex per dimension; they are
// updated at most once per request.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all runtime counters for a running relay instance.
// The zero value is valid and ready to use; prefer New() for clarity.
type Metrics struct {
	RoomsCreated    atomic.Int64
	RoomsExpired    atomic.Int64
	RoomsActive     atomic.Int64
	MessagesSent    atomic.Int64
	MessagesTrimmed atomic.Int64

	JoinsTotal  atomic.Int64
	LeavesTotal atomic.Int64

	RateLimitRejections atomic.Int64

	ErrorsNotFound atomic.Int64
	ErrorsConflict atomic.Int64

	// Latency statistics (mutex-guarded because they accumulate floats)
	pollMu   sync.Mutex
	pollStat latencyStats

	sendMu   sync.Mutex
	sendStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordPollLatency records the duration of one poll request.
func (m *Metrics) RecordPollLatency(d time.Duration) {
	m.pollMu.Lock()
	m.pollStat.record(float64(d.Microseconds()) / 1000.0)
	m.pollMu.Unlock()
}

// RecordSendLatency records the duration of one send request.
func (m *Metrics) RecordSendLatency(d time.Duration) {
	m.sendMu.Lock()
	m.sendStat.record(float64(d.Microseconds()) / 1000.0)
	m.sendMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.pollMu.Lock()
	poll := m.pollStat.snapshot()
	m.pollMu.Unlock()

	m.sendMu.Lock()
	send := m.sendStat.snapshot()
	m.sendMu.Unlock()

	return Snapshot{
		Rooms: RoomSnapshot{
			Created: m.RoomsCreated.Load(),
			Expired: m.RoomsExpired.Load(),
			Active:  m.RoomsActive.Load(),
		},
		Messages: MessageSnapshot{
			Sent:    m.MessagesSent.Load(),
			Trimmed: m.MessagesTrimmed.Load(),
		},
		Membership: MembershipSnapshot{
			Joins:  m.JoinsTotal.Load(),
			Leaves: m.LeavesTotal.Load(),
		},
		Errors: ErrorSnapshot{
			RateLimited: m.RateLimitRejections.Load(),
			NotFound:    m.ErrorsNotFound.Load(),
			Conflict:    m.ErrorsConflict.Load(),
		},
		Latency: LatencyGroup{
			PollMs: poll,
			SendMs: send,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// Collectors returns Prometheus collectors backed by this Metrics, for
// registration against a prometheus.Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sos_rooms_active",
			Help: "Number of rooms currently tracked by the registry.",
		}, func() float64 { return float64(m.RoomsActive.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sos_rooms_created_total",
			Help: "Total rooms created since process start.",
		}, func() float64 { return float64(m.RoomsCreated.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sos_rooms_expired_total",
			Help: "Total expired rooms evicted, by the sweeper or on access.",
		}, func() float64 { return float64(m.RoomsExpired.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sos_messages_sent_total",
			Help: "Total messages accepted across all rooms.",
		}, func() float64 { return float64(m.MessagesSent.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "sos_rate_limit_rejections_total",
			Help: "Total requests rejected by the per-IP rate limiter.",
		}, func() float64 { return float64(m.RateLimitRejections.Load()) }),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Rooms      RoomSnapshot       `json:"rooms"`
	Messages   MessageSnapshot    `json:"messages"`
	Membership MembershipSnapshot `json:"membership"`
	Errors     ErrorSnapshot      `json:"errors"`
	Latency    LatencyGroup       `json:"latency"`
	UptimeSecs float64            `json:"uptimeSecs"`
}

// RoomSnapshot holds room-lifecycle counters.
type RoomSnapshot struct {
	Created int64 `json:"created"`
	Expired int64 `json:"expired"`
	Active  int64 `json:"active"`
}

// MessageSnapshot holds message-volume counters.
type MessageSnapshot struct {
	Sent    int64 `json:"sent"`
	Trimmed int64 `json:"trimmed"`
}

// MembershipSnapshot holds join/leave counters.
type MembershipSnapshot struct {
	Joins  int64 `json:"joins"`
	Leaves int64 `json:"leaves"`
}

// ErrorSnapshot holds error counters.
type ErrorSnapshot struct {
	RateLimited int64 `json:"rateLimited"`
	NotFound    int64 `json:"notFound"`
	Conflict    int64 `json:"conflict"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	PollMs LatencySnapshot `json:"pollMs"`
	SendMs LatencySnapshot `json:"sendMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
