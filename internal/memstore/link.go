package memstore

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	key     string
	value   string
	visible time.Time
}

// link はプライマリから1台のレプリカへの順序付きレプリケーション経路
type link struct {
	replica *Node

	mu          sync.Mutex
	queue       []entry
	partitioned bool
	wake        chan struct{}
}

func newLink(replica *Node) *link {
	return &link{
		replica: replica,
		wake:    make(chan struct{}, 1),
	}
}

func (l *link) send(key, value string, lag time.Duration) {
	l.mu.Lock()
	l.queue = append(l.queue, entry{key: key, value: value, visible: time.Now().Add(lag)})
	l.mu.Unlock()
	l.signal()
}

func (l *link) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *link) setPartitioned(v bool) {
	l.mu.Lock()
	l.partitioned = v
	l.mu.Unlock()
	l.signal()
}

func (l *link) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// next は次に適用できるエントリと、それまでの待ち時間を返す
func (l *link) next() (entry, time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.partitioned || len(l.queue) == 0 {
		return entry{}, 0, false
	}
	e := l.queue[0]
	if wait := time.Until(e.visible); wait > 0 {
		return e, wait, true
	}
	l.queue = l.queue[1:]
	return e, 0, true
}

func (l *link) run(ctx context.Context) {
	for {
		e, wait, ok := l.next()
		switch {
		case ok && wait == 0:
			l.replica.apply(e.key, e.value)
			continue
		case ok:
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			case <-l.wake:
				timer.Stop()
			}
		default:
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
			}
		}
	}
}
