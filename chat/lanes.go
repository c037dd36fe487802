package chat

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/onnwee/chatgate/telemetry"
)

// lanes fans messages out to one ordered queue per channel.
type lanes struct {
	ctx     context.Context
	handler Handler
	depth   int

	// sendMu is held shared by senders and exclusively by close
	sendMu sync.RWMutex
	mu     sync.Mutex
	queues map[string]chan Message
	closed bool
	wg     sync.WaitGroup
}

func newLanes(ctx context.Context, h Handler, depth int) *lanes {
	if depth <= 0 {
		depth = 256
	}
	return &lanes{ctx: ctx, handler: h, depth: depth, queues: make(map[string]chan Message)}
}

// dispatch enqueues msg on its channel's lane, starting the lane on first use.
// It blocks when the lane is full so the transport applies backpressure.
func (l *lanes) dispatch(msg Message) bool {
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	q, ok := l.queues[msg.Channel]
	if !ok {
		q = make(chan Message, l.depth)
		l.queues[msg.Channel] = q
		l.wg.Add(1)
		go l.run(msg.Channel, q)
	}
	l.mu.Unlock()

	select {
	case q <- msg:
		return true
	default:
	}
	slog.Warn("chat lane full; waiting", slog.String("channel", msg.Channel), slog.String("component", "chat"))
	select {
	case q <- msg:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func (l *lanes) run(channel string, q chan Message) {
	defer l.wg.Done()
	for msg := range q {
		l.handle(msg)
	}
	slog.Debug("chat lane stopped", slog.String("channel", channel), slog.String("component", "chat"))
}

func (l *lanes) handle(msg Message) {
	corr := msg.ID
	if corr == "" {
		corr = uuid.NewString()
	}
	ctx := telemetry.WithCorrelation(l.ctx, corr)
	defer func() {
		if r := recover(); r != nil {
			telemetry.LoggerWithCorr(ctx).Error("chat handler panic",
				slog.Any("panic", r),
				slog.String("channel", msg.Channel),
				slog.String("stack", string(debug.Stack())),
				slog.String("component", "chat"))
		}
	}()
	l.handler.Handle(ctx, msg)
}

// close stops accepting messages, drains queued ones and waits for lanes to exit.
func (l *lanes) close() {
	l.sendMu.Lock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.sendMu.Unlock()
		return
	}
	l.closed = true
	for _, q := range l.queues {
		close(q)
	}
	l.mu.Unlock()
	l.sendMu.Unlock()
	l.wg.Wait()
}
