package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Armin-kho/apk-relay-bot/internal/logger"
)

func TestGroup_RestartCancelsPrevious(t *testing.T) {
	g := NewGroup(logger.NewNop())
	defer g.Stop()

	firstCancelled := make(chan struct{})
	g.Go("user:1", func(ctx context.Context) {
		<-ctx.Done()
		close(firstCancelled)
	})

	release := make(chan struct{})
	g.Go("user:1", func(ctx context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	select {
	case <-firstCancelled:
	case <-time.After(time.Second):
		t.Fatal("previous task was not cancelled")
	}
	if !g.Running("user:1") {
		t.Fatal("replacement task should be running")
	}
	close(release)
}

func TestGroup_CancelWait(t *testing.T) {
	g := NewGroup(logger.NewNop())
	var finished atomic.Bool
	g.Go("k", func(ctx context.Context) {
		<-ctx.Done()
		finished.Store(true)
	})
	g.CancelWait("k")
	if !finished.Load() {
		t.Fatal("CancelWait returned before the task finished")
	}
	if g.Running("k") {
		t.Fatal("task still registered")
	}
}

func TestGroup_StopJoinsAndRejectsNew(t *testing.T) {
	g := NewGroup(logger.NewNop())
	var stopped atomic.Int32
	for _, k := range []string{"a", "b", "c"} {
		g.Go(k, func(ctx context.Context) {
			<-ctx.Done()
			stopped.Add(1)
		})
	}
	g.Stop()
	if stopped.Load() != 3 {
		t.Fatalf("expected 3 tasks joined, got %d", stopped.Load())
	}

	ran := false
	g.Go("late", func(ctx context.Context) { ran = true })
	time.Sleep(10 * time.Millisecond)
	if ran {
		t.Fatal("Go after Stop must not run")
	}
}

func TestGroup_RecoversPanics(t *testing.T) {
	g := NewGroup(logger.NewNop())
	g.Go("p", func(ctx context.Context) { panic("boom") })
	g.Stop()
	if g.Len() != 0 {
		t.Fatalf("expected no running tasks, got %d", g.Len())
	}
}

func TestSleep(t *testing.T) {
	if !Sleep(context.Background(), time.Millisecond) {
		t.Fatal("expected full sleep")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if Sleep(ctx, time.Hour) {
		t.Fatal("expected cancelled sleep")
	}
}

func TestGroup_CancelAllKeepsGroupUsable(t *testing.T) {
	g := NewGroup(logger.NewNop())
	var stopped atomic.Int32
	for _, k := range []string{"a", "b"} {
		g.Go(k, func(ctx context.Context) {
			<-ctx.Done()
			stopped.Add(1)
		})
	}
	g.CancelAll()
	if stopped.Load() != 2 || g.Len() != 0 {
		t.Fatalf("expected both tasks joined, stopped=%d running=%d", stopped.Load(), g.Len())
	}

	done := make(chan struct{})
	g.Go("after", func(ctx context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Go after CancelAll must still run")
	}
	g.Stop()
}
