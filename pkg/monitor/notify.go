package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"overlay-wan/pkg/model"
)

const notifyBuffer = 256

// notifier hands persisted events to a subscriber hook on its own goroutine.
// A full buffer drops the event; the store still has it.
type notifier struct {
	fn      func(model.FailoverEvent)
	ch      chan model.FailoverEvent
	done    chan struct{}
	dropped prometheus.Counter
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func newNotifier(fn func(model.FailoverEvent), size int, dropped prometheus.Counter, log *zap.Logger) *notifier {
	n := &notifier{
		fn:      fn,
		ch:      make(chan model.FailoverEvent, size),
		done:    make(chan struct{}),
		dropped: dropped,
		log:     log,
	}
	go n.loop()
	return n
}

func (n *notifier) loop() {
	defer close(n.done)
	for ev := range n.ch {
		n.fn(ev)
	}
}

func (n *notifier) notify(ev model.FailoverEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- ev:
	default:
		n.dropped.Inc()
		n.log.Warn("event subscribers lagging, dropped notification",
			zap.String("policy", ev.PolicyID), zap.Int64("event", ev.EventID))
	}
}

// close delivers what is buffered and stops the goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.ch)
	n.mu.Unlock()
	<-n.done
}
