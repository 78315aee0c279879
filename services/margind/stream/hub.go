package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"synthmargin/services/margind/outbox"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
	replayLimit      = 500
)

// Frame is the JSON document written for each notification.
type Frame struct {
	Seq         uint64            `json:"seq"`
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Fingerprint string            `json:"fingerprint"`
	CreatedAt   time.Time         `json:"createdAt"`
	Attributes  map[string]string `json:"attributes"`
}

// Backlog serves already published messages for cursor-based catch-up.
type Backlog interface {
	Since(ctx context.Context, cursor uint64, limit int) ([]outbox.Message, error)
}

type filter struct {
	asset   string
	account string
}

func (f filter) match(msg outbox.Message) bool {
	if f.asset != "" && !strings.EqualFold(f.asset, msg.Asset) {
		return false
	}
	if f.account != "" && f.account != msg.Account {
		return false
	}
	return true
}

type subscriber struct {
	filter  filter
	updates chan Frame
	dropped chan struct{}
	once    sync.Once
}

func (s *subscriber) drop() {
	s.once.Do(func() { close(s.dropped) })
}

// Hub fans published outbox messages out to websocket subscribers. It
// implements outbox.Publisher.
type Hub struct {
	backlog Backlog
	logger  *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub(backlog Backlog, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{backlog: backlog, logger: logger, subs: make(map[*subscriber]struct{})}
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func frameFrom(msg outbox.Message) (Frame, error) {
	attrs, err := msg.Attributes()
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Seq:         msg.Seq,
		ID:          msg.ID.String(),
		Type:        msg.Type,
		Fingerprint: msg.Fingerprint,
		CreatedAt:   msg.CreatedAt,
		Attributes:  attrs,
	}, nil
}

// Publish implements outbox.Publisher. Subscribers whose buffer is full are
// disconnected rather than blocking delivery to the others.
func (h *Hub) Publish(_ context.Context, msg outbox.Message) error {
	frame, err := frameFrom(msg)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.filter.match(msg) {
			continue
		}
		select {
		case sub.updates <- frame:
		default:
			sub.drop()
		}
	}
	return nil
}

func (h *Hub) subscribe(f filter) *subscriber {
	sub := &subscriber{filter: f, updates: make(chan Frame, subscriberBuffer), dropped: make(chan struct{})}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams notifications. Query parameters
// asset and account filter the stream; cursor replays published messages
// with a higher sequence first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	f := filter{
		asset:   strings.TrimSpace(query.Get("asset")),
		account: strings.TrimSpace(query.Get("account")),
	}
	var cursor uint64
	if raw := strings.TrimSpace(query.Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, conn, f, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, f filter, cursor uint64) error {
	sub := h.subscribe(f)
	defer h.unsubscribe(sub)

	last := cursor
	if cursor > 0 && h.backlog != nil {
		backlog, err := h.backlog.Since(ctx, cursor, replayLimit)
		if err != nil {
			return err
		}
		for _, msg := range backlog {
			if !f.match(msg) {
				continue
			}
			frame, err := frameFrom(msg)
			if err != nil {
				return err
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				return err
			}
			last = msg.Seq
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.dropped:
			h.logger.Warn("stream subscriber too slow, disconnecting")
			return conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
		case frame := <-sub.updates:
			if frame.Seq <= last {
				continue
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				return err
			}
			last = frame.Seq
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
