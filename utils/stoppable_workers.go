package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers runs background loops that share one cancellation.
type StoppableWorkers interface {
	AddWorkers(...func(context.Context))
	Stop()
}

type workerSet struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	active sync.WaitGroup
}

// NewStoppableWorkers starts each of funcs in its own goroutine.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	ctx, cancel := context.WithCancel(context.Background())
	ws := &workerSet{ctx: ctx, cancel: cancel}
	ws.AddWorkers(funcs...)
	return ws
}

// AddWorkers starts more goroutines. It does nothing once Stop has been called. A worker that
// panics is restarted with the same context until it returns.
func (ws *workerSet) AddWorkers(funcs ...func(context.Context)) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.ctx.Err() != nil {
		return
	}
	for _, f := range funcs {
		f := f
		ws.active.Add(1)
		goutils.ManagedGo(func() { f(ws.ctx) }, ws.active.Done)
	}
}

// Stop cancels every worker and waits for them to return. It is safe to call more than once.
func (ws *workerSet) Stop() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.cancel()
	ws.active.Wait()
}
