package cookiequeue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"collectoragent/internal/logging"
)

type fakeUploader struct {
	mu      sync.Mutex
	batches [][]Envelope
	err     error
}

func (f *fakeUploader) Upload(ctx context.Context, batch []Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := make([]Envelope, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeUploader) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestQueueFlushesOnBatchSize(t *testing.T) {
	ep := &fakeUploader{}
	q := New(10, 2, time.Hour, []Uploader{ep}, logging.NewDefault())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	q.Put("acct-1", map[string]string{"a": "1"})
	q.Put("acct-2", map[string]string{"b": "2"})

	deadline := time.After(time.Second)
	for ep.batchCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected a batch flush once batchSize was reached")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestQueueFlushesOnShutdownEvenBelowBatchSize(t *testing.T) {
	ep := &fakeUploader{}
	q := New(10, 100, time.Hour, []Uploader{ep}, logging.NewDefault())

	done := make(chan struct{})
	go func() {
		q.Run(context.Background())
		close(done)
	}()

	q.Put("acct-1", map[string]string{"a": "1"})
	q.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	if ep.batchCount() != 1 {
		t.Errorf("expected Shutdown to flush the partial batch, got %d batches", ep.batchCount())
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := New(1, 100, time.Hour, nil, logging.NewDefault())
	q.Put("acct-1", nil)
	// Second Put should be dropped rather than block, since the queue
	// has no consumer running in this test.
	done := make(chan struct{})
	go func() {
		q.Put("acct-2", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put blocked on a full queue instead of dropping the newest envelope")
	}
}

func TestDeliverContinuesToOtherEndpointsOnFailure(t *testing.T) {
	bad := &fakeUploader{err: errors.New("endpoint down")}
	good := &fakeUploader{}
	q := New(10, 1, time.Hour, []Uploader{bad, good}, logging.NewDefault())

	done := make(chan struct{})
	go func() {
		q.Run(context.Background())
		close(done)
	}()

	q.Put("acct-1", map[string]string{"a": "1"})
	q.Shutdown()
	<-done

	if good.batchCount() != 1 {
		t.Errorf("expected the healthy endpoint to still receive the batch, got %d", good.batchCount())
	}
}
