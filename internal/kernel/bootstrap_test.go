package kernel

import "testing"

// echoServer is a minimal ServerEntry used to test Bootstrap's goroutine
// wiring: receive one message from ANY sender, echo its Type back, then
// stop (real servers loop forever; one round trip is enough to prove the
// entry point actually runs).
func echoServer(k *Kernel, self *PCB) {
	var msg Message

	crit := k.EnterCritical()
	err := k.Receive(self, 0, &msg)
	crit.Exit()

	if err == ErrWouldBlock {
		k.ParkUntilReady(self)
	}

	reply := Message{SrcPid: self.Pid, Type: msg.Type}

	crit = k.EnterCritical()
	_ = k.Send(self, msg.SrcPid, reply)
	crit.Exit()
}

func TestBootstrapLaunchesServerEntries(t *testing.T) {
	k := New(8, nil)

	done := make(chan struct{})
	vfs := func(k *Kernel, self *PCB) {
		echoServer(k, self)
		close(done)
	}

	if err := k.Bootstrap(vfs, echoServer, echoServer, nil); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	client, err := k.Table.Alloc("client", DefaultPriority)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	k.Sched.MakeReady(client)

	var reply Message

	crit := k.EnterCritical()
	err = k.SendRec(client, PidVFS, Message{Type: 99}, &reply)
	crit.Exit()

	if err == ErrWouldBlock {
		k.ParkUntilReady(client)
	} else if err != nil {
		t.Fatalf("SendRec: %v", err)
	}

	<-done

	if reply.Type != 99 {
		t.Errorf("reply.Type = %d, want 99", reply.Type)
	}
}

func TestBootstrapNilEntrySpawnsNoGoroutine(t *testing.T) {
	k := New(8, nil)

	if err := k.Bootstrap(nil, nil, nil, nil); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	init, err := k.Table.Lookup(PidInit)
	if err != nil {
		t.Fatalf("Lookup(PidInit): %v", err)
	}

	if init.State != StateReady {
		t.Errorf("init.State = %v, want StateReady", init.State)
	}
}
