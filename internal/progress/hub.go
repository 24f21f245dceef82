package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	// BufferSize is the emit channel capacity (default 4096).
	BufferSize int
	// FlushBatch flushes once this many events are pending (default 256).
	FlushBatch int
	// FlushInterval flushes pending events at least this often (default 500ms).
	FlushInterval time.Duration
	// SinkTimeout bounds each sink call during a flush (default 10s).
	SinkTimeout time.Duration
	// Logger reports drops and sink failures.
	Logger *zap.Logger
}

const (
	defaultBufferSize    = 4096
	defaultFlushBatch    = 256
	defaultFlushInterval = 500 * time.Millisecond
	defaultSinkTimeout   = 10 * time.Second
	dropWarnInterval     = 5 * time.Second
)

// Hub fans events out to sinks from a single background goroutine. Emit never
// blocks: when the buffer is full, events are dropped and counted, and the
// drop total is logged at most once per warn interval.
type Hub struct {
	cfg      Config
	sinks    []Sink
	events   chan Event
	stop     chan struct{}
	done     chan struct{}
	logger   *zap.Logger
	dropped  atomic.Int64
	lastWarn atomic.Int64
	closed   atomic.Bool
	stopOnce sync.Once
}

// NewHub starts the fan-out goroutine; the hub accepts events immediately.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = defaultFlushBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go h.loop()
	return h
}

// Emit enqueues an event without blocking. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.warnDrops()
	}
}

// Close drains buffered events, flushes and closes the sinks, and waits for
// the background goroutine to exit. Safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()
	pending := make([]Event, 0, h.cfg.FlushBatch)
	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.FlushBatch {
				h.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				h.flush(pending)
				pending = pending[:0]
			}
		case <-h.stop:
			h.drain(pending)
			return
		}
	}
}

// drain empties the channel after stop, flushes everything, then closes sinks.
func (h *Hub) drain(pending []Event) {
	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.FlushBatch {
				h.flush(pending)
				pending = pending[:0]
			}
		default:
			h.flush(pending)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(pending []Event) {
	if len(pending) == 0 {
		return
	}
	batch := append([]Event(nil), pending...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
	defer cancel()
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("sink close failed", zap.Error(err))
		}
	}
}

func (h *Hub) warnDrops() {
	now := time.Now().UnixNano()
	last := h.lastWarn.Load()
	if now-last < dropWarnInterval.Nanoseconds() {
		return
	}
	if h.lastWarn.CompareAndSwap(last, now) {
		h.logger.Warn("events dropped due to backpressure",
			zap.Int64("dropped", h.dropped.Swap(0)))
	}
}
