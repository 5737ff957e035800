package nest

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newIdleQueue() *CommandQueue {
	// Generous limiter; these tests drive next/execute directly instead of
	// racing the worker.
	return NewCommandQueue(6000, newTestLogger())
}

func queuedCommand(kind commandKind, deviceID string, deadline time.Time, run func() error) *streamCommand {
	return &streamCommand{kind: kind, deviceID: deviceID, deadline: deadline, run: run, done: make(chan error, 1)}
}

func TestExtendsPreemptQueuedGenerates(t *testing.T) {
	q := newIdleQueue()

	gen := queuedCommand(kindGenerate, "dev-1", time.Time{}, func() error { return nil })
	ext := queuedCommand(kindExtend, "dev-2", time.Now().Add(time.Minute), func() error { return nil })
	q.enqueue(gen)
	q.enqueue(ext)

	if got := q.next(); got != ext {
		t.Fatal("the extend must run before the earlier-queued generate")
	}
	if got := q.next(); got != gen {
		t.Fatal("the generate must follow")
	}
	if q.next() != nil {
		t.Fatal("queue should be drained")
	}
}

func TestGenerateReservationCoalesces(t *testing.T) {
	q := newIdleQueue()

	if !q.tryReserveGenerate("dev-1") {
		t.Fatal("first reservation must succeed")
	}
	if q.tryReserveGenerate("dev-1") {
		t.Fatal("second reservation for the same device must be refused")
	}
	if !q.tryReserveGenerate("dev-2") {
		t.Fatal("a different device is unaffected")
	}

	// Popping the queued generate releases the reservation.
	q.enqueue(queuedCommand(kindGenerate, "dev-1", time.Time{}, func() error { return nil }))
	if q.next() == nil {
		t.Fatal("expected the queued generate")
	}
	if !q.tryReserveGenerate("dev-1") {
		t.Fatal("reservation must be released once the command is popped")
	}
}

func TestSubmitGenerateRejectsDuplicate(t *testing.T) {
	q := newIdleQueue()

	if !q.tryReserveGenerate("dev-1") {
		t.Fatal("setup reservation failed")
	}
	err := q.SubmitGenerate("dev-1", func() error { return nil })
	if !errors.Is(err, ErrGeneratePending) {
		t.Fatalf("duplicate generate = %v, want ErrGeneratePending", err)
	}
	if q.GetStats().Coalesced != 1 {
		t.Errorf("coalesced count = %d, want 1", q.GetStats().Coalesced)
	}
}

func TestExecuteFailsExpiredExtendWithoutRunning(t *testing.T) {
	q := newIdleQueue()

	ran := false
	cmd := queuedCommand(kindExtend, "dev-1", time.Now().Add(-time.Second), func() error { ran = true; return nil })
	q.execute(cmd)

	err := <-cmd.done
	if err == nil {
		t.Fatal("expired extend must fail")
	}
	if ran {
		t.Error("expired extend must not reach the API")
	}
	stats := q.GetStats()
	if stats.Expired != 1 || stats.Executed != 0 {
		t.Errorf("stats = %+v, want one expired, zero executed", stats)
	}
}

func TestExecuteRunsAndCounts(t *testing.T) {
	q := newIdleQueue()

	apiErr := errors.New("boom")
	cmd := queuedCommand(kindExtend, "dev-1", time.Now().Add(time.Minute), func() error { return apiErr })
	q.execute(cmd)

	if err := <-cmd.done; !errors.Is(err, apiErr) {
		t.Fatalf("done = %v, want the run error", err)
	}
	stats := q.GetStats()
	if stats.Executed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want executed=1 failed=1", stats)
	}
}

func TestStopDrainsPendingCommands(t *testing.T) {
	q := newIdleQueue()

	cmd := queuedCommand(kindGenerate, "dev-1", time.Time{}, func() error { return nil })
	q.enqueue(cmd)

	if err := q.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-cmd.done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("drained command got %v, want context.Canceled", err)
		}
	default:
		t.Fatal("pending command was not drained on Stop")
	}
}

func TestQueueEndToEnd(t *testing.T) {
	q := newIdleQueue()
	q.Start()
	defer q.Stop()

	done := make(chan error, 1)
	go func() {
		done <- q.SubmitExtend("dev-1", func() error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SubmitExtend = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker never executed the extend")
	}
	if q.GetStats().Executed != 1 {
		t.Errorf("executed = %d, want 1", q.GetStats().Executed)
	}
}
