package queue

import (
	"context"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Task is a unit of background work bound to one key.
type Task func(ctx context.Context)

// Keyed runs tasks in FIFO order per key while different keys run in
// parallel.  Each key gets its own bounded lane and a worker goroutine that
// exits once the lane drains, so idle calls hold no goroutines.
type Keyed struct {
	name   string
	depth  int
	logger *zap.Logger
	onDrop func()

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]chan Task
	closed bool
	wg     sync.WaitGroup
}

// NewKeyed creates a queue whose lanes hold at most depth pending tasks.
// onDrop, if set, is called whenever a task is rejected because its lane is
// full.
func NewKeyed(name string, depth int, logger *zap.Logger, onDrop func()) *Keyed {
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Keyed{
		name:   name,
		depth:  depth,
		logger: logger.With(zap.String("queue", name)),
		onDrop: onDrop,
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]chan Task),
	}
}

// Submit enqueues t on the lane for key.  It never blocks: when the lane is
// full or the queue is closed the task is dropped and false is returned.
func (k *Keyed) Submit(key string, t Task) bool {
	if t == nil {
		return false
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return false
	}

	lane, ok := k.lanes[key]
	if !ok {
		lane = make(chan Task, k.depth)
		k.lanes[key] = lane
		k.wg.Add(1)
		go k.run(key, lane)
	}

	select {
	case lane <- t:
		return true
	default:
		k.logger.Warn("lane full, dropping task", zap.String("key", key))
		if k.onDrop != nil {
			k.onDrop()
		}
		return false
	}
}

func (k *Keyed) run(key string, lane chan Task) {
	defer k.wg.Done()

	for {
		select {
		case t := <-lane:
			k.exec(key, t)
		default:
			// The lane is only removed while holding mu, and Submit only
			// sends while holding mu, so nothing can be lost in between.
			k.mu.Lock()
			if len(lane) == 0 {
				delete(k.lanes, key)
				k.mu.Unlock()
				return
			}
			k.mu.Unlock()
		}
	}
}

func (k *Keyed) exec(key string, t Task) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("task panicked",
				zap.String("key", key),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	t(k.ctx)
}

// Pending reports how many lanes currently exist.
func (k *Keyed) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.lanes)
}

// Close stops accepting tasks and waits for queued work to finish or for ctx
// to expire, whichever comes first.  Tasks still running when ctx expires see
// their context canceled.
func (k *Keyed) Close(ctx context.Context) error {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		k.wg.Wait()
	}()

	select {
	case <-done:
		k.cancel()
		return nil
	case <-ctx.Done():
		k.cancel()
		return ctx.Err()
	}
}
