package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestQueue_BasicFunctionality(t *testing.T) {
	q := NewQueue(testLogger(), 3, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var completed atomic.Int32
	for i := 0; i < 5; i++ {
		ok := q.Enqueue(func(ctx context.Context) error {
			completed.Add(1)
			return nil
		})
		if !ok {
			t.Errorf("failed to enqueue job %d", i)
		}
	}

	if err := q.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if completed.Load() != 5 {
		t.Errorf("expected 5 completed jobs, got %d", completed.Load())
	}
	stats := q.Snapshot()
	if stats.TotalEnqueued != 5 || stats.TotalProcessed != 5 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestQueue_PanicRecovery(t *testing.T) {
	q := NewQueue(testLogger(), 1, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue(func(ctx context.Context) error {
		panic("intentional panic")
	})

	// 验证 worker 没有因为 panic 挂掉
	var executed atomic.Bool
	q.Enqueue(func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})

	if err := q.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if q.Snapshot().TotalPanics != 1 {
		t.Errorf("expected 1 panic, got %d", q.Snapshot().TotalPanics)
	}
	if !executed.Load() {
		t.Error("normal job should execute after panic")
	}
}

func TestQueue_SinglePassSemantics(t *testing.T) {
	// 1 worker + 容量 1：执行中最多再排队一次，更多触发被丢弃。
	q := NewQueue(testLogger(), 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	blockChan := make(chan struct{})
	q.Enqueue(func(ctx context.Context) error {
		<-blockChan
		return nil
	})
	time.Sleep(50 * time.Millisecond) // 确保第一个任务开始执行

	if !q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Error("one pending slot should be available")
	}
	if q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Error("third trigger should be dropped")
	}

	close(blockChan)
	if err := q.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	stats := q.Snapshot()
	if stats.TotalDropped != 1 {
		t.Errorf("expected 1 dropped job, got %d", stats.TotalDropped)
	}
	if stats.TotalProcessed != 2 {
		t.Errorf("expected 2 processed jobs, got %d", stats.TotalProcessed)
	}
}

func TestQueue_FailedJobsCounted(t *testing.T) {
	q := NewQueue(testLogger(), 2, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue(func(ctx context.Context) error { return nil })
	q.Enqueue(func(ctx context.Context) error { return errors.New("task failed") })

	if err := q.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	stats := q.Snapshot()
	if stats.TotalFailed != 1 {
		t.Errorf("expected 1 failure, got %d", stats.TotalFailed)
	}
}

func TestQueue_RejectAfterShutdown(t *testing.T) {
	q := NewQueue(testLogger(), 1, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if err := q.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Error("should not accept jobs after shutdown")
	}
	if err := q.ShutdownWithTimeout(time.Second); err == nil {
		t.Error("second shutdown should error")
	}
}
