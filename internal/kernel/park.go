package kernel

// ParkUntilReady blocks the calling goroutine until p leaves the BLOCKED
// state. It exists for the goroutine-driven servers Bootstrap starts
// (spec.md §4.12: "each server enters a receive-ANY loop at its entry
// point") — the Go stand-in for a real process simply not being
// scheduled while blocked: since these server loops are ordinary Go
// goroutines rather than vCPUs the scheduler drives, something has to put
// them to sleep between a WouldBlock receive and the point Unblock makes
// them ready again.
//
// p must NOT be held under a Critical when this is called: it takes the
// kernel lock itself, only for each state check, and releases it before
// blocking on p.wake, so it never blocks while holding the lock.
func (k *Kernel) ParkUntilReady(p *PCB) {
	for {
		crit := k.EnterCritical()
		blocked := p.State == StateBlocked
		crit.Exit()

		if !blocked {
			return
		}

		<-p.wake
	}
}
