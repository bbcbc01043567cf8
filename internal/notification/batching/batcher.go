// Package batching holds non-urgent push notifications for a short window so
// that several notifications for one user go out as a single push.
package batching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
)

var ErrQueueClosed = errors.New("push batch queue is closed")

// PushSender delivers one rendered push to every device of a user.
type PushSender interface {
	SendPush(ctx context.Context, userID string, msg models.PushMessage) error
}

// DeliveryRecorder stores the outcome of one batched send for its deliveries.
type DeliveryRecorder interface {
	RecordBatchAttempt(ctx context.Context, deliveryIDs []string, sent bool, errorMessage string) error
}

type Config struct {
	QueueSize     int
	FlushInterval time.Duration
}

type batch struct {
	id     string
	userID string
	due    time.Time
	items  []models.QueuedPush
}

// Batcher receives pushes over a bounded channel; Run groups them per user
// and time window and sends each group when its first item's delay elapses.
type Batcher struct {
	queue    chan models.QueuedPush
	sender   PushSender
	recorder DeliveryRecorder
	interval time.Duration
	log      *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*batch

	closeOnce sync.Once
	closed    chan struct{}
}

func NewBatcher(sender PushSender, recorder DeliveryRecorder, cfg Config, log *logger.Logger) *Batcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 15 * time.Second
	}
	return &Batcher{
		queue:    make(chan models.QueuedPush, cfg.QueueSize),
		sender:   sender,
		recorder: recorder,
		interval: cfg.FlushInterval,
		log:      log,
		now:      time.Now,
		pending:  make(map[string]*batch),
		closed:   make(chan struct{}),
	}
}

// Enqueue hands item to the batcher. It blocks while the queue is full.
func (b *Batcher) Enqueue(ctx context.Context, item models.QueuedPush) error {
	select {
	case <-b.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case b.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return ErrQueueClosed
	}
}

// Close stops accepting new items. Run drains what is already queued.
func (b *Batcher) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Run collects queued pushes and flushes due batches every interval until ctx
// is done or the batcher is closed. Whatever is still pending then is sent
// immediately so nothing held in memory is lost.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.log.Info("BATCH", fmt.Sprintf("Push batcher started (flush every %s)", b.interval))
	for {
		select {
		case item := <-b.queue:
			b.add(item, b.now())
		case <-ticker.C:
			b.Flush(ctx, b.now())
		case <-ctx.Done():
			b.shutdown()
			return
		case <-b.closed:
			b.shutdown()
			return
		}
	}
}

func (b *Batcher) shutdown() {
	b.Close()
drain:
	for {
		select {
		case item := <-b.queue:
			b.add(item, b.now())
		default:
			break drain
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sent := b.Flush(ctx, time.Time{})
	b.log.Info("BATCH", fmt.Sprintf("Push batcher stopped, flushed %d remaining batch(es)", sent))
}

func (b *Batcher) add(item models.QueuedPush, now time.Time) {
	delay := item.Delay
	if delay <= 0 {
		delay = item.Priority.BatchDelay()
	}
	id := BatchID(item.UserID, delay, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	bt, ok := b.pending[id]
	if !ok {
		bt = &batch{id: id, userID: item.UserID, due: now.Add(delay)}
		b.pending[id] = bt
	}
	bt.items = append(bt.items, item)
}

// Pending is the number of pushes waiting in open batches.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bt := range b.pending {
		n += len(bt.items)
	}
	return n
}

// Flush sends every batch due at now. A zero now flushes everything.
// It returns the number of batches sent.
func (b *Batcher) Flush(ctx context.Context, now time.Time) int {
	b.mu.Lock()
	var due []*batch
	for id, bt := range b.pending {
		if now.IsZero() || !bt.due.After(now) {
			due = append(due, bt)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	for _, bt := range due {
		b.send(ctx, bt)
	}
	return len(due)
}

func (b *Batcher) send(ctx context.Context, bt *batch) {
	msg := bt.items[0].Message
	if len(bt.items) > 1 {
		msg = MergeMessages(bt.userID, bt.items, b.now())
	}

	err := b.sender.SendPush(ctx, bt.userID, msg)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		b.log.Warn("BATCH", fmt.Sprintf("Batch %s (%d item(s)) failed: %v", bt.id, len(bt.items), err))
	} else {
		b.log.Info("BATCH", fmt.Sprintf("Batch %s sent with %d item(s)", bt.id, len(bt.items)))
	}

	ids := make([]string, 0, len(bt.items))
	for _, item := range bt.items {
		if item.DeliveryID != "" {
			ids = append(ids, item.DeliveryID)
		}
	}
	if err := b.recorder.RecordBatchAttempt(ctx, ids, err == nil, errMsg); err != nil {
		b.log.Error("BATCH", fmt.Sprintf("Failed to record batch %s: %v", bt.id, err))
	}
}

// BatchID names the window of length delay that now falls into for userID.
func BatchID(userID string, delay time.Duration, now time.Time) string {
	windowMs := delay.Milliseconds()
	if windowMs <= 0 {
		return fmt.Sprintf("%s_%d", userID, now.UnixMilli())
	}
	start := now.UnixMilli() / windowMs * windowMs
	return fmt.Sprintf("%s_%d", userID, start)
}

// MergeMessages folds several pushes into one summary push.
func MergeMessages(userID string, items []models.QueuedPush, now time.Time) models.PushMessage {
	messages := make([]models.PushMessage, 0, len(items))
	for _, item := range items {
		messages = append(messages, item.Message)
	}
	return models.PushMessage{
		Title: fmt.Sprintf("You have %d new notifications", len(items)),
		Body:  summarize(messages),
		Tag:   fmt.Sprintf("batch_%s_%d", userID, now.UnixMilli()),
		Type:  "batch",
		Data: map[string]any{
			"type":          "batch",
			"notifications": messages,
		},
	}
}

// summarize counts messages per type in first-seen order, e.g.
// "2 booking confirmed, 1 reminder".
func summarize(messages []models.PushMessage) string {
	counts := make(map[string]int)
	var order []string
	for _, m := range messages {
		t := m.Type
		if t == "" {
			t = "notification"
		}
		if counts[t] == 0 {
			order = append(order, t)
		}
		counts[t]++
	}

	parts := make([]string, 0, len(order))
	for _, t := range order {
		parts = append(parts, fmt.Sprintf("%d %s", counts[t], strings.ReplaceAll(t, "_", " ")))
	}
	return strings.Join(parts, ", ")
}
