package task_test

import (
	"testing"

	"github.com/UnknownEclipse/kepler/task"
)

func newTestHeader(drops, deallocs *int) *task.Header {
	return task.NewHeader(&task.VTable{
		DropInPlace: func(*task.Header) { *drops++ },
		Deallocate:  func(*task.Header) { *deallocs++ },
	}, task.NewPolicy(task.PolicyNormal, 0), "test")
}

func TestNewHeaderStartsParked(t *testing.T) {
	var drops, deallocs int
	h := newTestHeader(&drops, &deallocs)
	if h.State() != task.StateParked {
		t.Fatalf("expected new header to start Parked, got %s", h.State())
	}
}

func TestChangeStateToActiveFromQueuedOrParked(t *testing.T) {
	var drops, deallocs int
	h := newTestHeader(&drops, &deallocs)
	h.ChangeStateToActive()
	if h.State() != task.StateActive {
		t.Fatalf("expected Active, got %s", h.State())
	}

	h.ChangeState(task.StateActive, task.StateQueued)
	h.ChangeStateToActive()
	if h.State() != task.StateActive {
		t.Fatalf("expected Active after second transition, got %s", h.State())
	}
}

func TestChangeStateToActivePanicsFromExited(t *testing.T) {
	var drops, deallocs int
	h := newTestHeader(&drops, &deallocs)
	h.ChangeStateToActive()
	h.ChangeState(task.StateActive, task.StateExited)

	defer func() {
		if recover() == nil {
			t.Fatal("expected ChangeStateToActive from Exited to panic")
		}
	}()
	h.ChangeStateToActive()
}

func TestTryChangeStateReportsFailureWithoutPanicking(t *testing.T) {
	var drops, deallocs int
	h := newTestHeader(&drops, &deallocs)
	if h.TryChangeState(task.StateActive, task.StateQueued) {
		t.Fatal("expected TryChangeState to fail from Parked to Active->Queued transition")
	}
	if !h.TryChangeState(task.StateParked, task.StateQueued) {
		t.Fatal("expected TryChangeState to succeed Parked->Queued")
	}
}

func TestRefReleaseRunsDropAndDeallocateOnlyAtZero(t *testing.T) {
	var drops, deallocs int
	h := newTestHeader(&drops, &deallocs)
	ref := task.FromHeader(h)
	clone := ref.Clone()

	ref.Release()
	if drops != 0 || deallocs != 0 {
		t.Fatalf("expected no cleanup before last release, got drops=%d deallocs=%d", drops, deallocs)
	}

	clone.Release()
	if drops != 1 || deallocs != 1 {
		t.Fatalf("expected cleanup exactly once at last release, got drops=%d deallocs=%d", drops, deallocs)
	}
}

func TestPolicyShouldPreempt(t *testing.T) {
	low := task.NewPolicy(task.PolicyLow, 255)
	normal := task.NewPolicy(task.PolicyNormal, 0)
	high := task.NewPolicy(task.PolicyHigh, 0)

	if low.ShouldPreempt(normal) {
		t.Fatal("a low policy task must never preempt")
	}
	if !high.ShouldPreempt(normal) {
		t.Fatal("expected high to preempt normal")
	}
	if normal.ShouldPreempt(high) {
		t.Fatal("normal must not preempt high")
	}
}

func TestSetSchedulerOncePanicsOnMismatch(t *testing.T) {
	var drops, deallocs int
	h := newTestHeader(&drops, &deallocs)
	h.SetSchedulerOnce("scheduler-a")
	h.SetSchedulerOnce("scheduler-a") // idempotent with the same value

	defer func() {
		if recover() == nil {
			t.Fatal("expected SetSchedulerOnce with a different value to panic")
		}
	}()
	h.SetSchedulerOnce("scheduler-b")
}

func TestJoinHandleJoinReturnsValueAfterExit(t *testing.T) {
	var drops, deallocs int
	vtable := &task.VTable{
		DropInPlace: func(*task.Header) { drops++ },
		Deallocate:  func(*task.Header) { deallocs++ },
	}
	h := task.NewHeader(vtable, task.NewPolicy(task.PolicyNormal, 0), "joinable")
	vtable.ReadValueInto = func(_ *task.Header, dst any) {
		*(dst.(*int)) = 42
	}

	handle := task.NewJoinHandle[int](task.FromHeader(h))

	h.ChangeStateToActive()
	h.ChangeState(task.StateActive, task.StateExited)

	if got := handle.Join(); got != 42 {
		t.Fatalf("expected joined value 42, got %d", got)
	}
}
