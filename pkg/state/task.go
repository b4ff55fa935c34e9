package state

import (
	"fmt"

	"github.com/kairos-io/firmware-updater/pkg/bank"
)

// task is the handle of the background update. guard and err are written by the worker
// before done is closed and only read after.
type task struct {
	done  chan struct{}
	guard *bank.MountGuard
	err   error
}

func startTask(guard *bank.MountGuard, work func() error) *task {
	t := &task{done: make(chan struct{}), guard: guard}
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("update worker panicked: %v", r)
			}
		}()
		t.err = work()
	}()
	return t
}

// finished never blocks.
func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *task) wait() {
	<-t.done
}
