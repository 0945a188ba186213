package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/mentions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	notificationEventMention   = "mention"
	notificationEventHeartbeat = "heartbeat"
	notificationBufferSize     = 16
	defaultStreamHeartbeat     = 30 * time.Second
)

// NotificationDispatcher fans mention notifications out to the open
// notification streams of the mentioned user. It implements mentions.Notifier.
// Users without an open stream miss the push; the mention row stays recorded.
type NotificationDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*notificationSubscriber
	nextID      int64
	bufferSize  int
}

type notificationSubscriber struct {
	id     int64
	stream chan mentions.Notification
}

func NewNotificationDispatcher() *NotificationDispatcher {
	return &NotificationDispatcher{
		subscribers: make(map[string]map[int64]*notificationSubscriber),
		bufferSize:  notificationBufferSize,
	}
}

// Subscribe registers a stream for userID until ctx ends or the returned
// cleanup runs.
func (d *NotificationDispatcher) Subscribe(ctx context.Context, userID string) (<-chan mentions.Notification, func()) {
	if userID == "" {
		ch := make(chan mentions.Notification)
		close(ch)
		return ch, func() {}
	}
	subscriber := &notificationSubscriber{
		id:     d.nextSequence(),
		stream: make(chan mentions.Notification, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// NotifyMention never blocks; full subscriber buffers drop the notification.
func (d *NotificationDispatcher) NotifyMention(_ context.Context, notification mentions.Notification) error {
	if notification.MentionedUserID == "" {
		return nil
	}
	d.mu.RLock()
	subscribers := d.subscribers[notification.MentionedUserID]
	copies := make([]*notificationSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- notification:
			mentionNotifications.WithLabelValues("delivered").Inc()
		default:
			mentionNotifications.WithLabelValues("dropped").Inc()
		}
	}
	return nil
}

func (d *NotificationDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *NotificationDispatcher) registerSubscriber(userID string, subscriber *notificationSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*notificationSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *NotificationDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
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

func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.notifications.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.streamHeartbeat)
	defer heartbeat.Stop()

	h.logger.Debug("notification stream opened", zap.String("user_id", userID))
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case notification, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(notificationEventMention, notification)
			return true
		case now := <-heartbeat.C:
			c.SSEvent(notificationEventHeartbeat, gin.H{"timestamp": now.UTC().Format(time.RFC3339)})
			return true
		}
	})
	h.logger.Debug("notification stream closed", zap.String("user_id", userID))
}
