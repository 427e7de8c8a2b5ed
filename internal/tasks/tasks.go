// Package tasks runs keyed background work that can be cancelled and joined.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/logger"
)

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Group supervises goroutines by key. Starting a task under a key that is
// already running cancels the previous one first.
type Group struct {
	log *logger.Logger

	mu      sync.Mutex
	base    context.Context
	stop    context.CancelFunc
	running map[string]*entry
	wg      sync.WaitGroup
}

func NewGroup(log *logger.Logger) *Group {
	base, stop := context.WithCancel(context.Background())
	return &Group{log: log, base: base, stop: stop, running: map[string]*entry{}}
}

// Go starts fn under key. Panics inside fn are recovered and logged.
func (g *Group) Go(key string, fn func(ctx context.Context)) {
	g.mu.Lock()
	if g.base.Err() != nil {
		g.mu.Unlock()
		return
	}
	if prev, ok := g.running[key]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(g.base)
	e := &entry{cancel: cancel, done: make(chan struct{})}
	g.running[key] = e
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer close(e.done)
		defer func() {
			g.mu.Lock()
			if g.running[key] == e {
				delete(g.running, key)
			}
			g.mu.Unlock()
			cancel()
		}()
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("Task panicked", zap.String("task", key), zap.String("panic", fmt.Sprint(r)))
			}
		}()
		fn(ctx)
	}()
}

// Cancel stops the task under key, if any, without waiting for it.
func (g *Group) Cancel(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.running[key]
	if ok {
		e.cancel()
		delete(g.running, key)
	}
	return ok
}

// CancelWait stops the task under key and waits until it has returned.
func (g *Group) CancelWait(key string) {
	g.mu.Lock()
	e, ok := g.running[key]
	if ok {
		e.cancel()
		delete(g.running, key)
	}
	g.mu.Unlock()
	if ok {
		<-e.done
	}
}

func (g *Group) Running(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[key]
	return ok
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}

// Wait blocks until every running task has returned on its own.
func (g *Group) Wait() {
	g.wg.Wait()
}

// CancelAll cancels every running task and waits for them. New tasks may still be started.
func (g *Group) CancelAll() {
	g.mu.Lock()
	entries := make([]*entry, 0, len(g.running))
	for k, e := range g.running {
		e.cancel()
		delete(g.running, k)
		entries = append(entries, e)
	}
	g.mu.Unlock()
	for _, e := range entries {
		<-e.done
	}
}

// Stop cancels every task and waits for all of them. Go is a no-op afterwards.
func (g *Group) Stop() {
	g.mu.Lock()
	g.stop()
	g.mu.Unlock()
	g.wg.Wait()
}

// Sleep waits for d or until ctx is done. It reports whether the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
