// Package module holds the cooperative module runtime and the pipeline
// modules themselves. Every module is a single-threaded loop owning its
// state; modules talk only through broker channels.
package module

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Module is one cooperative task. SetUp runs once on the module goroutine
// before the first Loop; Loop must return within the poll timeout so the
// runner can observe a stop request.
type Module interface {
	Name() string
	SetUp() error
	Loop()
}

// Runner drives a module on its own goroutine.
type Runner struct {
	mod  Module
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRunner(mod Module) *Runner {
	return &Runner{mod: mod, stop: make(chan struct{})}
}

// Start launches the module goroutine.
func (r *Runner) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.mod.SetUp(); err != nil {
			log.Fatal("module set up failed",
				zap.String("module", r.mod.Name()), zap.Error(err))
		}
		log.Info("module started", zap.String("module", r.mod.Name()))
		for {
			select {
			case <-r.stop:
				return
			default:
			}
			r.mod.Loop()
		}
	}()
}

// Stop requests termination and waits for the loop to exit.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
	log.Info("module stopped", zap.String("module", r.mod.Name()))
}

// PollTimeout bounds every blocking receive so timed work (ticks, stop
// checks) always gets a chance to run.
const PollTimeout = 100 * time.Millisecond
