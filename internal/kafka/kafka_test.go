package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/retry"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		msg := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func testLogger() *logger.Logger {
	return logger.NewWithWriter(io.Discard)
}

func TestLifecyclePublisher_KeysByReservation(t *testing.T) {
	w := &fakeWriter{}
	pub := NewLifecyclePublisher(NewProducerWithWriter(w, testLogger()), "reservations.lifecycle")

	event := models.ReservationLifecycleEvent{
		EventID:       "e1",
		Type:          models.EventCommitted,
		ReservationID: "R1",
		Phase:         models.PhaseCaptured,
		OccurredAt:    time.Now().UTC(),
	}
	require.NoError(t, pub.PublishLifecycle(context.Background(), event))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "reservations.lifecycle", w.msgs[0].Topic)
	assert.Equal(t, "R1", string(w.msgs[0].Key))

	var decoded models.ReservationLifecycleEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, models.EventCommitted, decoded.Type)
	assert.Equal(t, models.PhaseCaptured, decoded.Phase)
}

func TestProducer_WrapsWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := NewProducerWithWriter(w, testLogger())

	err := p.Publish(context.Background(), "notifications.push", "u1", []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifications.push")
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2}
}

func runConsumer(t *testing.T, c *Consumer, handler MessageHandler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx, handler)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestConsumer_FailedMessageIsRetriedBeforeNextOffset(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		{Topic: "t", Offset: 1, Value: []byte("a")},
		{Topic: "t", Offset: 2, Value: []byte("b")},
	}}
	c := NewConsumerWithReader(reader, fastRetry(), testLogger())

	var mu sync.Mutex
	var handled []int64
	failures := 3
	handler := func(ctx context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, msg.Offset)
		if msg.Offset == 1 && failures > 0 {
			failures--
			return errors.New("store unavailable")
		}
		return nil
	}

	stop := runConsumer(t, c, handler)
	assert.Eventually(t, func() bool {
		return len(reader.commits()) == 2
	}, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int64{1, 2}, reader.commits())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 1, 1, 1, 2}, handled)
}

func TestConsumer_StopsWithoutCommittingFailingMessage(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		{Topic: "t", Offset: 1, Value: []byte("a")},
		{Topic: "t", Offset: 2, Value: []byte("b")},
	}}
	c := NewConsumerWithReader(reader, fastRetry(), testLogger())

	var mu sync.Mutex
	calls := 0
	stop := runConsumer(t, c, func(ctx context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("store unavailable")
	})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 4
	}, time.Second, 5*time.Millisecond)
	stop()

	assert.Empty(t, reader.commits())
	reader.mu.Lock()
	defer reader.mu.Unlock()
	require.Len(t, reader.pending, 1)
	assert.Equal(t, int64(2), reader.pending[0].Offset)
}

func TestConsumer_LifecycleHandlerSkipsUndecodable(t *testing.T) {
	good, _ := json.Marshal(models.ReservationLifecycleEvent{Type: models.EventCommitted, ReservationID: "R1"})
	flaky, _ := json.Marshal(models.ReservationLifecycleEvent{Type: models.EventCompensated, ReservationID: "R2"})
	reader := &fakeReader{pending: []kafka.Message{
		{Topic: "t", Offset: 1, Value: good},
		{Topic: "t", Offset: 2, Value: []byte("not json")},
		{Topic: "t", Offset: 3, Value: flaky},
	}}
	c := NewConsumerWithReader(reader, fastRetry(), testLogger())

	var mu sync.Mutex
	var seen []string
	failed := false
	handler := LifecycleHandler(testLogger(), func(ctx context.Context, event models.ReservationLifecycleEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.ReservationID)
		if event.ReservationID == "R2" && !failed {
			failed = true
			return errors.New("store unavailable")
		}
		return nil
	})

	stop := runConsumer(t, c, handler)
	assert.Eventually(t, func() bool {
		return len(reader.commits()) == 3
	}, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"R1", "R2", "R2"}, seen)
}
