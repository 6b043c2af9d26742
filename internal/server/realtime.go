package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventDocumentChanged = "document-change"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "docmirror-api"
	realtimeHeartbeatInterval    = 25 * time.Second

	RealtimeActionCreated = "created"
	RealtimeActionUpdated = "updated"
	RealtimeActionDeleted = "deleted"
)

// RealtimeMessage announces a committed document change. UserID names the actor.
type RealtimeMessage struct {
	UserID      string
	EventType   string
	Action      string
	DocumentIDs []string
	Timestamp   time.Time
}

// RealtimeDispatcher fans document changes out to every connected stream. Documents are
// shared, so each subscriber sees every change regardless of who made it.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to all subscribers. Slow subscribers drop messages rather than block writers.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" || len(message.DocumentIDs) == 0 {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	for _, subscribers := range d.subscribers {
		for _, subscriber := range subscribers {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams for userID.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}

type realtimeEventPayload struct {
	Action      string   `json:"action"`
	DocumentIDs []string `json:"documentIds"`
	ActorID     string   `json:"actorId"`
	Timestamp   string   `json:"timestamp"`
	Source      string   `json:"source"`
}

func (h *httpHandler) handleDocumentStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	h.logger.Debug("document stream opened", zap.String("user_id", userID))
	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				Action:      message.Action,
				DocumentIDs: message.DocumentIDs,
				ActorID:     message.UserID,
				Timestamp:   message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:      realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
	h.logger.Debug("document stream closed", zap.String("user_id", userID))
}
