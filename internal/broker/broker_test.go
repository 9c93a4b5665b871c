package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"openbooking/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestOrderChangedIsKeyedByOrder(t *testing.T) {
	w := &fakeWriter{}
	pub := NewEventPublisher(&Producer{writer: w, topic: "order-events"})

	event := &models.OrderChangedEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeOrderBooked},
		ClientID:  "client-1",
		OrderID:   "o1",
		OrderType: models.OrderTypeOrder,
		Stage:     models.StageB,
	}
	require.NoError(t, pub.OrderChanged(context.Background(), event))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "client-1/o1", string(w.msgs[0].Key))

	var got models.OrderChangedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, *event, got)
}

func TestPublishEventWrapsWriteErrors(t *testing.T) {
	p := &Producer{writer: &fakeWriter{err: errors.New("broker down")}}
	err := p.PublishEvent(context.Background(), "k", map[string]string{"a": "b"})
	assert.ErrorContains(t, err, "broker down")
}

func sellerActionMessage(t *testing.T, action models.SellerAction) kafka.Message {
	t.Helper()
	b, err := json.Marshal(models.SellerActionEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeSellerAction},
		ClientID:  "client-1",
		OrderID:   "o1",
		Action:    action,
	})
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestHandleMessageRoutesSellerActions(t *testing.T) {
	h := NewEventHandler()
	var got []*models.SellerActionEvent
	h.OnSellerAction(func(_ context.Context, e *models.SellerActionEvent) error {
		got = append(got, e)
		return nil
	})
	ctx := context.Background()

	require.NoError(t, h.HandleMessage(ctx, sellerActionMessage(t, models.ActionSellerCancellation)))
	require.Len(t, got, 1)
	assert.Equal(t, "o1", got[0].OrderID)
	assert.Equal(t, models.ActionSellerCancellation, got[0].Action)

	assert.Error(t, h.HandleMessage(ctx, sellerActionMessage(t, "test:Nonsense")))
	assert.Error(t, h.HandleMessage(ctx, kafka.Message{Value: []byte("{")}))
	assert.NoError(t, h.HandleMessage(ctx, kafka.Message{Value: []byte(`{"event_type":"ORDER_BOOKED"}`)}))
	assert.Len(t, got, 1)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
	fetchErrs int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErrs > 0 {
		r.fetchErrs--
		r.mu.Unlock()
		return kafka.Message{}, errors.New("temporary")
	}
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestStartConsumingCommitsHandledMessages(t *testing.T) {
	r := &fakeReader{
		msgs:      []kafka.Message{{Key: []byte("1")}, {Key: []byte("2")}},
		fetchErrs: 1,
	}
	c := &Consumer{reader: r, topic: "seller-actions", retryDelay: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var handled sync.WaitGroup
	handled.Add(2)
	go func() {
		done <- c.StartConsuming(ctx, func(_ context.Context, msg kafka.Message) error {
			defer handled.Done()
			if string(msg.Key) == "2" {
				return errors.New("bad message")
			}
			return nil
		})
	}()

	handled.Wait()
	assert.Eventually(t, func() bool { return r.commits() == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
