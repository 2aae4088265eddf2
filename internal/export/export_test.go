package export

import (
	"context"
	"sync"
	"testing"
	"time"

	"sipwatch/internal/record"
)

type fakeEmitter struct {
	mu      sync.Mutex
	batches [][]*record.LogRecord
}

func (f *fakeEmitter) Name() string { return "fake" }

func (f *fakeEmitter) EmitBatch(_ context.Context, batch []*record.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeEmitter) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestBatcherFlushesOnBatchSize(t *testing.T) {
	in := make(chan *record.LogRecord, 10)
	emitter := &fakeEmitter{}
	b := New(Config{BatchSize: 3, FlushInterval: time.Hour}, in, []Emitter{emitter}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	for i := 0; i < 3; i++ {
		r := record.New("svc")
		in <- r
	}

	deadline := time.Now().Add(2 * time.Second)
	for emitter.received() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := emitter.received(); got != 3 {
		t.Errorf("received = %d, want 3", got)
	}
}

func TestBatcherSkipsLoopRecords(t *testing.T) {
	in := make(chan *record.LogRecord, 10)
	emitter := &fakeEmitter{}
	b := New(Config{BatchSize: 1, FlushInterval: time.Hour}, in, []Emitter{emitter}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	r := record.New("svc")
	r.Attrs["source"] = "grpc"
	in <- r

	time.Sleep(100 * time.Millisecond)
	if got := emitter.received(); got != 0 {
		t.Errorf("received = %d, want 0 for loop-prevented record", got)
	}
}

func TestBatcherFlushesRemainingOnContextCancel(t *testing.T) {
	in := make(chan *record.LogRecord, 10)
	emitter := &fakeEmitter{}
	b := New(Config{BatchSize: 100, FlushInterval: time.Hour}, in, []Emitter{emitter}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	in <- record.New("svc")
	in <- record.New("svc")
	time.Sleep(50 * time.Millisecond) // let append land before cancel

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if got := emitter.received(); got != 2 {
		t.Errorf("received = %d, want 2 (final partial batch flushed on shutdown)", got)
	}
}

func TestBatcherFlushesRemainingOnInputClose(t *testing.T) {
	in := make(chan *record.LogRecord, 10)
	emitter := &fakeEmitter{}
	b := New(Config{BatchSize: 100, FlushInterval: time.Hour}, in, []Emitter{emitter}, nil)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	in <- record.New("svc")
	time.Sleep(50 * time.Millisecond)
	close(in)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after input channel closed")
	}

	if got := emitter.received(); got != 1 {
		t.Errorf("received = %d, want 1 (final partial batch flushed on input close)", got)
	}
}

func TestIsLoopRecord(t *testing.T) {
	r := record.New("svc")
	if isLoopRecord(r) {
		t.Error("fresh record should not be a loop record")
	}
	r.Attrs["source"] = "grpc"
	if !isLoopRecord(r) {
		t.Error("record with source=grpc should be a loop record")
	}
}
