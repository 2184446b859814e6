package kernel

import "testing"

func TestSysSigactionSetsHandlerAndDeliverPendingReturnsFrame(t *testing.T) {
	k, alloc := newTestKernel(t, 4)

	p := alloc("victim", DefaultPriority)
	p.Signal = NewSignalState()

	if err := k.sysSigaction(p, Args{A0: uint64(SIGUSR1Test), A1: uint64(DispHandler), A2: 0xdead}); err != nil {
		t.Fatalf("sysSigaction: %v", err)
	}

	p.Context.RIP = 0x1000
	p.Context.RSP = 0x2000

	if err := k.Kill(p, p.Pid, SIGUSR1Test); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	sig, frame, terminate := k.DeliverPending(p)
	if sig != SIGUSR1Test {
		t.Fatalf("DeliverPending sig = %d, want %d", sig, SIGUSR1Test)
	}

	if terminate {
		t.Fatal("DeliverPending terminate = true, want false for a handled signal")
	}

	if frame == nil {
		t.Fatal("DeliverPending frame = nil, want populated SignalFrame")
	}

	if frame.Saved.RIP != 0x1000 || frame.Saved.RSP != 0x2000 {
		t.Errorf("frame.Saved = %+v, want RIP=0x1000 RSP=0x2000", frame.Saved)
	}

	p.Context.RIP = 0x9999 // simulate the handler running and clobbering registers

	k.SigReturn(p, frame)

	if p.Context.RIP != 0x1000 || p.Context.RSP != 0x2000 {
		t.Errorf("Context after SigReturn = %+v, want restored to RIP=0x1000 RSP=0x2000", p.Context)
	}
}

func TestSysSigactionRejectsSIGKILLAndSIGSTOP(t *testing.T) {
	k, alloc := newTestKernel(t, 4)

	p := alloc("victim", DefaultPriority)
	p.Signal = NewSignalState()

	for _, sig := range []int{SIGKILL, SIGSTOP} {
		err := k.sysSigaction(p, Args{A0: uint64(sig), A1: uint64(DispHandler), A2: 0x1234})
		if err == nil {
			t.Errorf("sysSigaction(%d) succeeded, want EINVAL", sig)
		}

		if p.Signal.Dispositions[sig].Kind != DispDefault {
			t.Errorf("Dispositions[%d] = %+v, want unchanged DispDefault", sig, p.Signal.Dispositions[sig])
		}
	}
}

func TestKillSIGKILLTerminatesImmediatelyAndUncatchably(t *testing.T) {
	k, alloc := newTestKernel(t, 4)

	parent := alloc("parent", DefaultPriority)
	p := alloc("victim", DefaultPriority)
	p.Signal = NewSignalState()
	p.ParentPid = parent.Pid

	if err := k.Kill(parent, p.Pid, SIGKILL); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	if p.State != StateDead {
		t.Fatalf("p.State = %s, want DEAD", p.State)
	}

	if p.ExitStatus != -SIGKILL {
		t.Errorf("p.ExitStatus = %d, want %d", p.ExitStatus, -SIGKILL)
	}
}

func TestSigprocmaskBlockedSignalIsNotDelivered(t *testing.T) {
	k, alloc := newTestKernel(t, 4)

	p := alloc("victim", DefaultPriority)
	p.Signal = NewSignalState()

	const SigBlock = 0

	if err := k.sysSigprocmask(p, Args{A0: SigBlock, A1: 1 << uint(SIGTERM)}); err != nil {
		t.Fatalf("sysSigprocmask: %v", err)
	}

	if err := k.Kill(p, p.Pid, SIGTERM); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	sig, frame, terminate := k.DeliverPending(p)
	if sig != 0 || frame != nil || terminate {
		t.Fatalf("DeliverPending = %d, %v, %v, want 0, nil, false (SIGTERM is blocked)", sig, frame, terminate)
	}

	if p.Signal.Pending&(1<<uint(SIGTERM)) == 0 {
		t.Error("SIGTERM no longer pending, want still pending while blocked")
	}
}

func TestDeliverPendingDefaultTermSetsZombie(t *testing.T) {
	k, alloc := newTestKernel(t, 4)

	p := alloc("victim", DefaultPriority)
	p.Signal = NewSignalState()

	if err := k.Kill(p, p.Pid, SIGTERM); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	sig, frame, terminate := k.DeliverPending(p)
	if sig != SIGTERM || frame != nil || !terminate {
		t.Fatalf("DeliverPending = %d, %v, %v, want %d, nil, true", sig, frame, terminate, SIGTERM)
	}

	if p.State != StateZombie {
		t.Errorf("p.State = %s, want ZOMBIE", p.State)
	}

	if p.ExitStatus != -SIGTERM {
		t.Errorf("p.ExitStatus = %d, want %d", p.ExitStatus, -SIGTERM)
	}
}

func TestSignalStateForkIsIndependentCopy(t *testing.T) {
	parent := NewSignalState()
	parent.Dispositions[SIGTERM] = Disposition{Kind: DispHandler, Handler: 0x4000}
	parent.Blocked = 1 << uint(SIGINT)

	child := parent.Fork()

	child.Dispositions[SIGTERM] = Disposition{Kind: DispIgnore}
	child.Blocked |= 1 << uint(SIGHUP)

	if parent.Dispositions[SIGTERM].Kind != DispHandler {
		t.Error("mutating the child's Fork() copy changed the parent's Dispositions")
	}

	if parent.Blocked != 1<<uint(SIGINT) {
		t.Error("mutating the child's Fork() copy changed the parent's Blocked mask")
	}
}

func TestSignalStateResetOnExecClearsHandlersKeepsIgnoreAndMasks(t *testing.T) {
	s := NewSignalState()
	s.Dispositions[SIGTERM] = Disposition{Kind: DispHandler, Handler: 0x4000}
	s.Dispositions[SIGHUP] = Disposition{Kind: DispIgnore}
	s.Blocked = 1 << uint(SIGINT)

	s.ResetOnExec()

	if s.Dispositions[SIGTERM].Kind != DispDefault {
		t.Errorf("Dispositions[SIGTERM].Kind = %v, want DispDefault after exec", s.Dispositions[SIGTERM].Kind)
	}

	if s.Dispositions[SIGHUP].Kind != DispIgnore {
		t.Errorf("Dispositions[SIGHUP].Kind = %v, want DispIgnore preserved across exec", s.Dispositions[SIGHUP].Kind)
	}

	if s.Blocked != 1<<uint(SIGINT) {
		t.Errorf("Blocked = %b, want preserved across exec", s.Blocked)
	}
}

func TestTerminateForSignalDiscardsPendingIPCWhenBlocked(t *testing.T) {
	k, alloc := newTestKernel(t, 4)

	p := alloc("victim", DefaultPriority)
	p.Signal = NewSignalState()
	p.State = StateBlocked
	p.BlockReason = BlockIPCRecv
	p.PendingMsg = &Message{SrcPid: 99}
	p.RecvBuf = &Message{}

	k.terminateForSignal(p, SIGTERM)

	if p.State != StateDead {
		t.Fatalf("p.State = %s, want DEAD", p.State)
	}

	if p.PendingMsg != nil || p.RecvBuf != nil {
		t.Error("terminateForSignal did not discard in-flight IPC state")
	}
}

// SIGUSR1Test is a POSIX-reserved SIGUSR1-equivalent signal number used
// only by this file's handler-dispatch test; this build's fixed signal
// set (spec.md §6) does not name SIGUSR1 itself, so pick an unused slot.
const SIGUSR1Test = 16
