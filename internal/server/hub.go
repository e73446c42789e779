package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cybernetix3d/arbitrage/internal/ratelimit"
	"github.com/cybernetix3d/arbitrage/internal/scheduler"
	"github.com/cybernetix3d/arbitrage/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	sendBufferSize = 16
)

// TickObserver is invoked after every periodic broadcast with the
// snapshot that was pushed out.
type TickObserver func(ctx context.Context, snap service.Snapshot)

// Hub fans rate snapshots out to websocket subscribers. It pushes a
// snapshot on connect, on every broadcast tick, and whenever the rate
// service reports a change. Clients can request an immediate snapshot
// with a "fetchRates" message, charged against the shared API limiter.
type Hub struct {
	svc        *service.Service
	apiLimiter *ratelimit.Bucket
	logger     zerolog.Logger
	upgrader   websocket.Upgrader

	broadcastInterval time.Duration
	pruneInterval     time.Duration

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}

	onTick TickObserver
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// HubOptions configures the broadcast cadence.
type HubOptions struct {
	BroadcastInterval time.Duration
	PruneInterval     time.Duration
}

func NewHub(svc *service.Service, apiLimiter *ratelimit.Bucket, opts HubOptions, logger zerolog.Logger) *Hub {
	return &Hub{
		svc:        svc,
		apiLimiter: apiLimiter,
		logger:     logger.With().Str("component", "ws-hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		broadcastInterval: opts.BroadcastInterval,
		pruneInterval:     opts.PruneInterval,
		subscribers:       make(map[*subscriber]struct{}),
	}
}

// SetTickObserver registers a callback fired after each broadcast tick.
// Must be called before Run.
func (h *Hub) SetTickObserver(fn TickObserver) {
	h.onTick = fn
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.register(sub)
	h.logger.Debug().Int("subscribers", h.count()).Msg("client connected")

	go h.writePump(sub)
	go h.readPump(sub)

	// New clients get the current state immediately without charging
	// the limiter.
	h.sendSnapshot(r.Context(), sub, false)
}

// Run drives the periodic broadcast and the prune sweep until the
// context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	prune := time.NewTicker(h.pruneInterval)
	defer prune.Stop()

	h.logger.Info().
		Dur("broadcast_interval", h.broadcastInterval).
		Dur("prune_interval", h.pruneInterval).
		Msg("hub started")

	sched := scheduler.New(scheduler.Options{Interval: h.broadcastInterval}, h.logger)
	go func() {
		_ = sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
			snap := h.svc.GetSnapshot(ctx, false)
			h.broadcastSnapshot(snap)
			if h.onTick != nil {
				h.onTick(ctx, snap)
			}
			return nil
		})
	}()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info().Msg("hub stopped")
			return
		case <-prune.C:
			h.pruneDead()
		}
	}
}

// Publish pushes a snapshot to every subscriber. Wired as the rate
// service's update hook so manual overrides propagate without waiting
// for the next tick.
func (h *Hub) Publish(snap service.Snapshot) {
	h.broadcastSnapshot(snap)
}

func (h *Hub) broadcastSnapshot(snap service.Snapshot) {
	msg := snapshotMessage(snap)
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("snapshot marshal failed")
		return
	}

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(data)
	}
}

func (h *Hub) sendSnapshot(ctx context.Context, sub *subscriber, charged bool) {
	if charged && h.apiLimiter != nil && !h.apiLimiter.TryConsume(1) {
		h.sendMessage(sub, wsMessage{
			Type: "rate_limited",
			Data: rateLimitedPayload{
				Error:      "rate limit exceeded",
				RetryAfter: h.apiLimiter.WaitTime(1).Seconds(),
			},
		})
		return
	}

	snap := h.svc.GetSnapshot(ctx, false)
	h.sendMessage(sub, snapshotMessage(snap))
}

func snapshotMessage(snap service.Snapshot) wsMessage {
	if !snap.CryptoKnown && !snap.FiatKnown {
		return wsMessage{Type: "error", Data: errorPayload{Error: "no rates available yet"}}
	}
	return wsMessage{Type: "rates", Data: newRatesPayload(snap)}
}

func (h *Hub) sendMessage(sub *subscriber, msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("message marshal failed")
		return
	}
	sub.enqueue(data)
}

func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		h.unregister(sub)
		sub.close()
	}()

	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("client read error")
			}
			return
		}
		_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch string(data) {
		case "fetchRates":
			h.sendSnapshot(context.Background(), sub, true)
		default:
			h.sendMessage(sub, wsMessage{Type: "error", Data: errorPayload{Error: "unknown message"}})
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	for data := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = sub.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
}

func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// pruneDead pings every subscriber and drops the ones whose transport
// is gone.
func (h *Hub) pruneDead() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	dropped := 0
	for _, sub := range subs {
		if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			h.unregister(sub)
			sub.close()
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Debug().Int("dropped", dropped).Int("subscribers", h.count()).Msg("pruned dead clients")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// enqueue drops the frame when the client's buffer is full so one slow
// reader cannot stall the broadcast loop.
func (s *subscriber) enqueue(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	s.mu.Unlock()
	_ = s.conn.Close()
}
