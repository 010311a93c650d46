package kafka

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
)

type fakeReader struct {
	mu        sync.Mutex
	committed []kafka.Message
	fetchErr  error
	fetches   atomic.Int32
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.fetches.Add(1)
	if r.fetchErr != nil {
		return kafka.Message{}, r.fetchErr
	}
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

type fakeReconciler struct {
	mu       sync.Mutex
	calls    []reconcile.Observation
	failures int
	err      error
}

func (f *fakeReconciler) Reconcile(_ context.Context, obs reconcile.Observation) (*models.ConsolidatedContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, obs)
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	if obs.Email == "" && obs.Phone == "" {
		return nil, reconcile.ErrInvalidInput
	}
	return &models.ConsolidatedContact{PrimaryContactID: "p"}, nil
}

type fakeDeadLetter struct {
	reasons []string
}

func (d *fakeDeadLetter) Publish(_ context.Context, _ kafka.Message, reason string) error {
	d.reasons = append(d.reasons, reason)
	return nil
}

func newTestConsumer(rec Reconciler, dlq DeadLetterPublisher) (*Consumer, *fakeReader) {
	reader := &fakeReader{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	c := newConsumer(reader, ConsumerConfig{Topic: "observations", MaxRetryBackoff: time.Millisecond}, rec, dlq, logger)
	return c, reader
}

func TestProcessMessage(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		wantObs    []reconcile.Observation
		wantReject bool
	}{
		{
			name:    "string phone",
			value:   `{"email":"a@x.com","phoneNumber":"111"}`,
			wantObs: []reconcile.Observation{{Email: "a@x.com", Phone: "111"}},
		},
		{
			name:    "numeric phone alias",
			value:   `{"phone":123456}`,
			wantObs: []reconcile.Observation{{Phone: "123456"}},
		},
		{
			name:       "malformed json is dead-lettered",
			value:      `{"email":`,
			wantReject: true,
		},
		{
			name:       "empty observation is dead-lettered",
			value:      `{}`,
			wantObs:    []reconcile.Observation{{}},
			wantReject: true,
		},
		{
			name:       "oversized email is dead-lettered",
			value:      `{"email":"` + strings.Repeat("a", 5000) + `@x.com"}`,
			wantReject: true,
		},
		{
			name:       "oversized phone is dead-lettered",
			value:      `{"phoneNumber":"` + strings.Repeat("1", 65) + `"}`,
			wantReject: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeReconciler{}
			dlq := &fakeDeadLetter{}
			c, reader := newTestConsumer(rec, dlq)

			ok := c.processMessage(context.Background(), kafka.Message{Topic: "observations", Value: []byte(tt.value)})

			assert.True(t, ok)
			assert.Equal(t, tt.wantObs, rec.calls)
			assert.Len(t, reader.committed, 1)
			assert.Equal(t, tt.wantReject, len(dlq.reasons) == 1)
		})
	}
}

func TestProcessMessage_RetriesStorageFailures(t *testing.T) {
	rec := &fakeReconciler{failures: 2, err: &reconcile.StorageError{Op: "find", Err: errors.New("down")}}
	c, reader := newTestConsumer(rec, nil)

	ok := c.processMessage(context.Background(), kafka.Message{Value: []byte(`{"email":"a@x.com"}`)})

	assert.True(t, ok)
	assert.Len(t, rec.calls, 3)
	assert.Len(t, reader.committed, 1)
}

func TestProcessMessage_StopDuringRetryDoesNotCommit(t *testing.T) {
	rec := &fakeReconciler{failures: 1 << 30, err: &reconcile.StorageError{Op: "find", Err: errors.New("down")}}
	c, reader := newTestConsumer(rec, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok := c.processMessage(ctx, kafka.Message{Value: []byte(`{"email":"a@x.com"}`)})

	assert.False(t, ok)
	assert.Empty(t, reader.committed)
}

func TestConsumer_StartStop(t *testing.T) {
	c, _ := newTestConsumer(&fakeReconciler{}, nil)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Health())
	assert.NoError(t, c.Stop())
	assert.False(t, c.Health())
}

func TestConsumer_UnhealthyWhenReaderCloses(t *testing.T) {
	c, reader := newTestConsumer(&fakeReconciler{}, nil)
	reader.fetchErr = io.EOF

	require.NoError(t, c.Start(context.Background()))

	assert.Eventually(t, func() bool { return !c.Health() }, time.Second, time.Millisecond)
	assert.NoError(t, c.Stop())
}

func TestConsumer_BacksOffOnFetchErrors(t *testing.T) {
	reader := &fakeReader{fetchErr: errors.New("broker unavailable")}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	c := newConsumer(reader, ConsumerConfig{Topic: "observations", MaxRetryBackoff: 20 * time.Millisecond}, &fakeReconciler{}, nil, logger)

	require.NoError(t, c.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)
	assert.True(t, c.Health())
	require.NoError(t, c.Stop())

	// 20ms apart at most once backed off; a hot loop would fetch thousands of times
	assert.Less(t, reader.fetches.Load(), int32(15))
	assert.GreaterOrEqual(t, reader.fetches.Load(), int32(2))
}

func TestRequestID(t *testing.T) {
	msg := kafka.Message{Headers: []kafka.Header{{Key: requestIDHeader, Value: []byte("req-1")}}}
	assert.Equal(t, "req-1", requestID(msg))
	assert.Len(t, requestID(kafka.Message{}), 36)
}
