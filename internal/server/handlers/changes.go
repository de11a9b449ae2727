package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/fieldsync/pkg/api"
)

const (
	// feedWriteTimeout ограничивает запись одного сообщения в websocket
	feedWriteTimeout = 10 * time.Second
	// feedPingInterval период ping-сообщений клиенту
	feedPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// клиенты синхронизации не браузеры, Origin не проверяем
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ChangeHub fans out commit notifications to connected change feeds.
// Each subscriber holds at most one pending cursor: a slow reader only
// sees the latest one.
type ChangeHub struct {
	subs   map[uint64]chan int64
	nextID uint64
	mu     sync.Mutex
	closed bool
}

// NewChangeHub creates an empty hub
func NewChangeHub() *ChangeHub {
	return &ChangeHub{subs: make(map[uint64]chan int64)}
}

// Subscribe registers a new subscriber
func (h *ChangeHub) Subscribe() (uint64, <-chan int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := make(chan int64, 1)
	if h.closed {
		close(ch)
		return h.nextID, ch
	}
	h.subs[h.nextID] = ch
	return h.nextID, ch
}

// Unsubscribe removes the subscriber and closes its channel
func (h *ChangeHub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish notifies every subscriber about a new commit at seq
func (h *ChangeHub) Publish(seq int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- seq:
		default:
			// заменяем устаревший курсор новым
			select {
			case <-ch:
			default:
			}
			ch <- seq
		}
	}
}

// Close disconnects every subscriber. Feeds opened afterwards end immediately
func (h *ChangeHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Count returns the number of connected subscribers
func (h *ChangeHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ChangeFeedHandler serves the websocket change feed
type ChangeFeedHandler struct {
	logger  *slog.Logger
	hub     *ChangeHub
	storage EntityStorage
}

// NewChangeFeedHandler creates a new change feed handler
func NewChangeFeedHandler(logger *slog.Logger, hub *ChangeHub, storage EntityStorage) *ChangeFeedHandler {
	return &ChangeFeedHandler{
		logger:  logger,
		hub:     hub,
		storage: storage,
	}
}

// Changes обрабатывает GET /api/v1/changes.
// После подключения отправляет текущий курсор, затем событие на каждый коммит
func (h *ChangeFeedHandler) Changes(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := GetDeviceID(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже записал ответ с ошибкой
		h.logger.Warn("Failed to upgrade change feed", "device_id", deviceID, "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	id, updates := h.hub.Subscribe()
	defer h.hub.Unsubscribe(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.logger.Info("Change feed connected", "device_id", deviceID, "subscribers", h.hub.Count())

	// читаем входящие сообщения только чтобы заметить закрытие соединения
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	latest, err := h.storage.LatestSeq(ctx)
	if err != nil {
		h.logger.Error("Failed to read latest seq", "error", err)
		return
	}
	if err := sendChange(conn, latest); err != nil {
		return
	}

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("Change feed disconnected", "device_id", deviceID)
			return
		case seq, ok := <-updates:
			if !ok {
				return
			}
			if err := sendChange(conn, seq); err != nil {
				h.logger.Debug("Change feed write failed", "device_id", deviceID, "error", err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(feedWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func sendChange(conn *websocket.Conn, seq int64) error {
	msg, err := json.Marshal(api.ChangeEvent{Type: api.EventChanged, Cursor: strconv.FormatInt(seq, 10)})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}
