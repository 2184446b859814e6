package hal

import (
	"sync"
	"time"
)

// CalibrateAPIC implements the calibration routine of spec.md §4.1: program
// the APIC timer in one-shot mode, sample a fixed HPET window, compute
// ticks-per-nanosecond, then derive the initial count for the desired
// periodic frequency. Pulled out as a pure function of the sampled counts so
// it is testable without real APIC/HPET MMIO.
//
// apicTicksElapsed is how far the APIC's one-shot counter moved during a
// window of windowNanos (measured against the HPET, the system's time
// reference per spec.md §4.2). targetHz is the desired periodic tick rate.
// The result is the initial count to load for a periodic timer at targetHz.
func CalibrateAPIC(apicTicksElapsed uint64, windowNanos uint64, targetHz uint64) uint64 {
	if windowNanos == 0 || targetHz == 0 {
		return 0
	}

	ticksPerNano := float64(apicTicksElapsed) / float64(windowNanos)
	periodNanos := float64(time.Second) / float64(targetHz)

	return uint64(ticksPerNano * periodNanos)
}

// monotonicClock reads the monotonic counter. On x86_64 this is HPET
// (CNTVCT_EL0's equivalent on ARM64); the software backend below reads the
// Go runtime's monotonic clock, which gives the identical contract
// (nanoseconds since an arbitrary epoch, never decreasing, no wrap within
// the process lifetime) without needing real hardware.
type monotonicClock struct {
	start time.Time
}

func newMonotonicClock() monotonicClock {
	return monotonicClock{start: time.Now()}
}

func (c monotonicClock) MonotonicNanos() uint64 {
	return uint64(time.Since(c.start).Nanoseconds())
}

// SoftwareTimer drives the Timer contract with a host time.Ticker instead
// of a real APIC/HPET/GIC, for the kernel core's tests and for hosts
// without /dev/kvm. On each tick it pulses its IRQ line through an
// InterruptController (Notify level 1, then level 0); it never calls EOI.
type SoftwareTimer struct {
	monotonicClock

	mu      sync.Mutex
	ticker  *time.Ticker
	stop    chan struct{}
	ticks   chan uint64
	intr    InterruptController
	irq     uint32
	count   uint64
}

// NewSoftwareTimer builds a timer that raises irq on intr (if non-nil) once
// per period, in addition to delivering on the Ticks() channel.
func NewSoftwareTimer(intr InterruptController, irq uint32) *SoftwareTimer {
	return &SoftwareTimer{
		monotonicClock: newMonotonicClock(),
		ticks:          make(chan uint64, 16),
		intr:           intr,
		irq:            irq,
	}
}

func (t *SoftwareTimer) ArmPeriodic(freqHz uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker != nil {
		t.ticker.Stop()
		close(t.stop)
	}

	if freqHz == 0 {
		t.ticker = nil

		return nil
	}

	period := time.Second / time.Duration(freqHz)
	t.ticker = time.NewTicker(period)
	t.stop = make(chan struct{})

	go t.run(t.ticker, t.stop)

	return nil
}

func (t *SoftwareTimer) run(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.count++
			n := t.count
			t.mu.Unlock()

			if t.intr != nil {
				_ = t.intr.Notify(t.irq, 1)
				_ = t.intr.Notify(t.irq, 0)
			}

			select {
			case t.ticks <- n:
			default:
			}
		}
	}
}

func (t *SoftwareTimer) Ticks() <-chan uint64 { return t.ticks }

func (t *SoftwareTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker != nil {
		t.ticker.Stop()
		close(t.stop)
		t.ticker = nil
	}
}
