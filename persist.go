package authstate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const persistWriteTimeout = 5 * time.Second

type persistWrite struct {
	key   string
	value any
}

// persister applies store writes on a single goroutine so the session never
// waits on the store. Only the latest pending value per key is kept; a write
// queued while the store is busy replaces an older unwritten one.
type persister struct {
	store   Store
	logger  *zap.Logger
	onError func(key string, err error)

	mu      sync.Mutex
	closed  bool
	gen     uint64
	order   []string
	pending map[string]any
	wake    chan struct{}
	done    chan struct{}
}

func newPersister(store Store, logger *zap.Logger, onError func(string, error)) *persister {
	p := &persister{
		store:   store,
		logger:  logger,
		onError: onError,
		pending: make(map[string]any),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// enqueue records writes without blocking. gen is the session generation the
// writes describe; writes for an older generation than one already queued are
// dropped. Zero gen is never dropped.
func (p *persister) enqueue(gen uint64, writes ...persistWrite) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, w := range writes {
			p.logger.Warn("persistence write after close dropped", zap.String("key", w.key))
		}
		return
	}
	if gen != 0 {
		if gen < p.gen {
			p.mu.Unlock()
			return
		}
		p.gen = gen
	}
	for _, w := range writes {
		if _, ok := p.pending[w.key]; !ok {
			p.order = append(p.order, w.key)
		}
		p.pending[w.key] = w.value
	}
	p.mu.Unlock()
	p.signal()
}

func (p *persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.done)
	for range p.wake {
		p.mu.Lock()
		batch := make([]persistWrite, 0, len(p.order))
		for _, key := range p.order {
			batch = append(batch, persistWrite{key: key, value: p.pending[key]})
		}
		p.order = p.order[:0]
		clear(p.pending)
		closed := p.closed
		p.mu.Unlock()

		for _, w := range batch {
			p.write(w)
		}
		if closed {
			return
		}
	}
}

func (p *persister) write(w persistWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), persistWriteTimeout)
	defer cancel()
	if err := p.store.Store(ctx, w.key, w.value); err != nil {
		p.logger.Warn("persistence write failed", zap.String("key", w.key), zap.Error(err))
		if p.onError != nil {
			p.onError(w.key, err)
		}
	}
}

// close stops accepting writes and waits for pending ones, bounded by ctx.
func (p *persister) close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
