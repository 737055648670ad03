package cancel

import (
	"sync"
	"sync/atomic"
)

// banLock releases the bans of one cancelled task once both the final set
// of child nodes is known and every ban-set acknowledgement has arrived.
//
// The counter starts at zero. Each acknowledgement decrements it and the
// task finishing adds the final child count, so it only returns to zero
// after both have happened.
type banLock struct {
	counter atomic.Int64
	nodes   atomic.Pointer[[]string]
	once    sync.Once
	done    chan struct{}
	finish  func(nodes []string)
}

func newBanLock(finish func(nodes []string)) *banLock {
	return &banLock{done: make(chan struct{}), finish: finish}
}

// onBanSet records one acknowledgement, successful or not.
func (l *banLock) onBanSet() {
	if l.counter.Add(-1) == 0 {
		l.release()
	}
}

// onTaskFinished records the final child set delivered by the registry.
func (l *banLock) onTaskFinished(nodes []string) {
	l.nodes.Store(&nodes)
	if l.counter.Add(int64(len(nodes))) == 0 {
		l.release()
	}
}

func (l *banLock) release() {
	l.once.Do(func() {
		var nodes []string
		if p := l.nodes.Load(); p != nil {
			nodes = *p
		}
		if l.finish != nil {
			l.finish(nodes)
		}
		close(l.done)
	})
}

// Done is closed after finish has run.
func (l *banLock) Done() <-chan struct{} {
	return l.done
}
