package nest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mira/nursery-relay/pkg/logger"
)

// The SDM API budgets executeCommand calls per project, and the two
// WebRTC stream commands compete for that budget with very different
// stakes: a missed ExtendWebRtcStream kills a live session at its
// 5-minute expiry, while a delayed GenerateWebRtcStream only postpones a
// reconnect. CommandQueue serializes both through one rate limiter,
// always running queued extends before queued generates, collapsing
// duplicate generates per device, and failing extends that sat queued
// past the point where running them would still matter.

// ErrGeneratePending is returned when a generate is submitted for a
// device that already has one waiting; reconnect storms for a camera
// collapse to a single pending negotiation.
var ErrGeneratePending = errors.New("stream generate already queued for device")

// extendPatience bounds how long a queued extend may wait before it is
// failed instead of run. An extend executed long after its keep-alive
// tick risks extending a session that already expired; failing it lets
// the caller's failure budget drive teardown instead.
const extendPatience = time.Minute

type commandKind int

const (
	kindExtend commandKind = iota
	kindGenerate
)

func (k commandKind) String() string {
	if k == kindExtend {
		return "extend"
	}
	return "generate"
}

type streamCommand struct {
	kind     commandKind
	deviceID string
	deadline time.Time // zero: never expires
	run      func() error
	done     chan error
}

// CommandQueue coordinates all SDM stream commands for one project.
type CommandQueue struct {
	logger  *logger.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu        sync.Mutex
	extends   []*streamCommand
	generates []*streamCommand
	queuedGen map[string]bool

	statsMu sync.Mutex
	stats   QueueStats
}

// QueueStats is a point-in-time snapshot of queue activity.
type QueueStats struct {
	PendingExtends   int
	PendingGenerates int
	Executed         int64
	Failed           int64
	Expired          int64
	Coalesced        int64
}

// NewCommandQueue sizes the shared limiter from a queries-per-minute
// budget; burst stays at 1 so commands pace out evenly across the window.
func NewCommandQueue(qpm float64, log *logger.Logger) *CommandQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		logger:    log,
		limiter:   rate.NewLimiter(rate.Limit(qpm/60.0), 1),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		queuedGen: make(map[string]bool),
	}
}

// Start launches the worker that drains the queue.
func (q *CommandQueue) Start() {
	q.wg.Add(1)
	go q.worker()
}

// Stop shuts the worker down and fails every command still waiting.
func (q *CommandQueue) Stop() error {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	pending := append(q.extends, q.generates...)
	q.extends, q.generates = nil, nil
	q.queuedGen = make(map[string]bool)
	q.mu.Unlock()

	for _, cmd := range pending {
		cmd.done <- context.Canceled
	}
	q.logger.Info("nest command queue stopped", "drained", len(pending))
	return nil
}

// SubmitExtend queues a session keep-alive and blocks until it runs or
// expires. Extends preempt any waiting generates.
func (q *CommandQueue) SubmitExtend(deviceID string, run func() error) error {
	return q.submit(&streamCommand{
		kind:     kindExtend,
		deviceID: deviceID,
		deadline: time.Now().Add(extendPatience),
		run:      run,
		done:     make(chan error, 1),
	})
}

// SubmitGenerate queues a stream negotiation and blocks until it runs.
// At most one generate per device waits at a time.
func (q *CommandQueue) SubmitGenerate(deviceID string, run func() error) error {
	if !q.tryReserveGenerate(deviceID) {
		q.bumpStats(func(s *QueueStats) { s.Coalesced++ })
		return fmt.Errorf("%w: %s", ErrGeneratePending, deviceID)
	}
	return q.submit(&streamCommand{
		kind:     kindGenerate,
		deviceID: deviceID,
		run:      run,
		done:     make(chan error, 1),
	})
}

// GetStats returns a snapshot of queue counters and depths.
func (q *CommandQueue) GetStats() QueueStats {
	q.statsMu.Lock()
	snapshot := q.stats
	q.statsMu.Unlock()

	q.mu.Lock()
	snapshot.PendingExtends = len(q.extends)
	snapshot.PendingGenerates = len(q.generates)
	q.mu.Unlock()
	return snapshot
}

func (q *CommandQueue) submit(cmd *streamCommand) error {
	q.enqueue(cmd)
	select {
	case err := <-cmd.done:
		return err
	case <-q.ctx.Done():
		return context.Canceled
	}
}

// tryReserveGenerate marks deviceID as having a waiting generate. The
// reservation is released when the command is popped for execution, so a
// retry submitted while one is mid-flight queues normally.
func (q *CommandQueue) tryReserveGenerate(deviceID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queuedGen[deviceID] {
		return false
	}
	q.queuedGen[deviceID] = true
	return true
}

func (q *CommandQueue) enqueue(cmd *streamCommand) {
	q.mu.Lock()
	if cmd.kind == kindExtend {
		q.extends = append(q.extends, cmd)
	} else {
		q.generates = append(q.generates, cmd)
	}
	q.mu.Unlock()

	q.logger.DebugNest("nest command queued", "kind", cmd.kind.String(), "device_id", cmd.deviceID)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next pops the highest-urgency waiting command: the oldest extend, then
// the oldest generate. Nil when the queue is empty.
func (q *CommandQueue) next() *streamCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.extends) > 0 {
		cmd := q.extends[0]
		q.extends = q.extends[1:]
		return cmd
	}
	if len(q.generates) > 0 {
		cmd := q.generates[0]
		q.generates = q.generates[1:]
		delete(q.queuedGen, cmd.deviceID)
		return cmd
	}
	return nil
}

func (q *CommandQueue) worker() {
	defer q.wg.Done()
	for {
		cmd := q.next()
		if cmd == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		q.execute(cmd)
		if q.ctx.Err() != nil {
			return
		}
	}
}

// execute runs one popped command: expired extends fail without spending
// rate-limiter budget, everything else waits its turn on the limiter.
func (q *CommandQueue) execute(cmd *streamCommand) {
	if !cmd.deadline.IsZero() && time.Now().After(cmd.deadline) {
		q.bumpStats(func(s *QueueStats) { s.Expired++ })
		q.logger.Warn("nest command expired in queue", "kind", cmd.kind.String(), "device_id", cmd.deviceID)
		cmd.done <- fmt.Errorf("%s for %s expired after waiting %s in queue", cmd.kind, cmd.deviceID, extendPatience)
		return
	}

	if err := q.limiter.Wait(q.ctx); err != nil {
		cmd.done <- context.Canceled
		return
	}

	start := time.Now()
	err := cmd.run()
	q.bumpStats(func(s *QueueStats) {
		s.Executed++
		if err != nil {
			s.Failed++
		}
	})
	q.logger.DebugNest("nest command executed",
		"kind", cmd.kind.String(),
		"device_id", cmd.deviceID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err)
	cmd.done <- err
}

func (q *CommandQueue) bumpStats(fn func(*QueueStats)) {
	q.statsMu.Lock()
	fn(&q.stats)
	q.statsMu.Unlock()
}
