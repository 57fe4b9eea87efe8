package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_RunsTasks(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 2, Depth: 4}, nil)
	q.Start()

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		err := q.Submit(context.Background(), Task{Name: "t", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	if dropped := q.Stop(context.Background()); dropped != 0 {
		t.Errorf("Stop() dropped = %d, want 0", dropped)
	}
	if ran.Load() != 4 {
		t.Errorf("ran = %d, want 4", ran.Load())
	}
	if completed, failed, _ := q.Stats(); completed != 4 || failed != 0 {
		t.Errorf("Stats() = %d completed, %d failed", completed, failed)
	}
}

func TestQueue_FullReturnsErrQueueFull(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, Depth: 1, EnqueueTimeout: 10 * time.Millisecond}, nil)
	q.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	block := Task{Name: "block", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	wait := Task{Name: "wait", Run: func(ctx context.Context) error { return nil }}

	if err := q.Submit(context.Background(), block); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := q.Submit(context.Background(), wait); err != nil {
		t.Fatalf("Submit() into free slot error = %v", err)
	}
	if err := q.Submit(context.Background(), wait); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit() error = %v, want ErrQueueFull", err)
	}

	close(release)
	q.Stop(context.Background())

	if err := q.Submit(context.Background(), wait); !errors.Is(err, ErrQueueStopped) {
		t.Errorf("Submit() after Stop error = %v, want ErrQueueStopped", err)
	}
}

func TestQueue_StopDeadlineDropsQueuedTasks(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, Depth: 8}, nil)
	q.Start()

	started := make(chan struct{})
	var cancelled atomic.Bool
	q.Submit(context.Background(), Task{Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}})
	<-started
	for i := 0; i < 3; i++ {
		q.Submit(context.Background(), Task{Name: "queued", Run: func(ctx context.Context) error { return nil }})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if dropped := q.Stop(ctx); dropped != 3 {
		t.Errorf("Stop() dropped = %d, want 3", dropped)
	}
	if !cancelled.Load() {
		t.Error("in-flight task was not cancelled at the deadline")
	}
}

func TestQueue_RecoversPanics(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, Depth: 2}, nil)
	q.Start()

	q.Submit(context.Background(), Task{Name: "panics", Run: func(ctx context.Context) error { panic("boom") }})
	q.Submit(context.Background(), Task{Name: "fine", Run: func(ctx context.Context) error { return nil }})
	q.Stop(context.Background())

	if completed, failed, _ := q.Stats(); completed != 1 || failed != 1 {
		t.Errorf("Stats() = %d completed, %d failed; want 1, 1", completed, failed)
	}
}

func TestQueue_TasksOutliveSubmitContext(t *testing.T) {
	q := NewQueue(QueueConfig{Concurrency: 1, Depth: 1}, nil)
	q.Start()

	reqCtx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	q.Submit(reqCtx, Task{Name: "detached", Run: func(ctx context.Context) error {
		time.Sleep(5 * time.Millisecond)
		result <- ctx.Err()
		return nil
	}})
	cancel()

	if err := <-result; err != nil {
		t.Errorf("task context error = %v, want nil", err)
	}
	q.Stop(context.Background())
}
