// Synchronous rendezvous IPC (spec.md §4.9, C9). Go's lack of a pointer-
// graph wait-list primitive is turned to advantage here: a receiver's
// blocked-sender queue is the same intrusive slab-index list the
// scheduler uses for ready queues (spec.md §9), and the message is
// copied directly from the sender's Message value to the receiver's,
// with no kernel staging buffer — matching spec.md §4.9's "single copy,
// no kernel staging" requirement.
package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// messageWireSize is the marshaled byte size of a Message on the
// send/receive/sendrec syscall ABI (this build's private wire format,
// spec.md §9's "one layout used consistently" open question).
const messageWireSize = 8 + 4*8 + MessageInlineBytes + 8

func marshalMessage(m Message) []byte {
	buf := make([]byte, messageWireSize)

	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Type))

	off := 8
	for _, v := range m.Arg {
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
		off += 8
	}

	copy(buf[off:off+MessageInlineBytes], m.Data[:])
	off += MessageInlineBytes

	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(m.DataLen))

	return buf
}

func unmarshalMessage(buf []byte, m *Message) {
	if len(buf) < messageWireSize {
		return
	}

	m.Type = int(binary.LittleEndian.Uint64(buf[0:8]))

	off := 8
	for i := range m.Arg {
		m.Arg[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}

	copy(m.Data[:], buf[off:off+MessageInlineBytes])
	off += MessageInlineBytes

	m.DataLen = int(binary.LittleEndian.Uint64(buf[off : off+8]))
}

// ErrInvalidDst is EINVAL: the destination pid is out of range (spec.md
// §4.9).
var ErrInvalidDst = errors.New("kernel: ipc destination out of range")

// ErrSelfSend is EDEADLK: a process sent to itself (spec.md §4.9).
var ErrSelfSend = errors.New("kernel: ipc send to self")

// ErrWouldBlock signals that the calling process has been moved to
// BLOCKED and a new process is now RUNNING; it is not a failure in the
// POSIX sense, only a caller signal meaning "re-drive me once woken."
var ErrWouldBlock = errors.New("kernel: ipc operation would block")

// MessageInlineBytes is the inline byte-string capacity of a Message
// (spec.md §3: "byte strings up to a fixed inline length").
const MessageInlineBytes = 64

// Message is the single fixed-size IPC payload shape used by every
// sender/receiver in this build (spec.md §9 open question: one ABI
// choice, applied consistently). Arg carries up to four integer/pointer
// parameters; Data/DataLen carry a short inline byte string (e.g. a
// VFS-style path or small read/write buffer) for request/reply patterns
// that don't warrant a separate shared-memory handoff.
type Message struct {
	SrcPid  int
	Type    int
	Arg     [4]uint64
	Data    [MessageInlineBytes]byte
	DataLen int
}

func (k *Kernel) validDst(src, dst int) error {
	if dst <= 0 || dst > k.Table.Capacity() {
		return fmt.Errorf("%w: dst=%d", ErrInvalidDst, dst)
	}

	if dst == src {
		return ErrSelfSend
	}

	return nil
}

// popSendWaiter removes and returns the first blocked sender on
// receiver's wait list whose pid matches want (0 = ANY, first in FIFO
// order), or nil.
func (k *Kernel) popSendWaiter(receiver *PCB, want int) *PCB {
	prevPid := 0

	for pid := receiver.sendWaitHead; pid != 0; {
		p := k.Table.slots[pid]

		if want == 0 || pid == want {
			if prevPid == 0 {
				receiver.sendWaitHead = p.next
			} else {
				k.Table.slots[prevPid].next = p.next
			}

			if p.next == 0 {
				receiver.sendWaitTail = prevPid
			} else {
				k.Table.slots[p.next].prev = prevPid
			}

			p.next, p.prev = -1, -1

			return p
		}

		prevPid = pid
		pid = p.next
	}

	return nil
}

func (k *Kernel) pushSendWaiter(receiver, sender *PCB) {
	sender.next, sender.prev = 0, receiver.sendWaitTail

	if receiver.sendWaitTail == 0 {
		receiver.sendWaitHead = sender.Pid
	} else {
		k.Table.slots[receiver.sendWaitTail].next = sender.Pid
	}

	receiver.sendWaitTail = sender.Pid
}

// completeRendezvous delivers msg into receiver's pending RecvBuf and
// wakes the receiver (always to READY — only a sender's own state
// depends on whether it was doing a plain send or a sendrec).
func (k *Kernel) completeRendezvous(receiver *PCB, msg Message) {
	if receiver.RecvBuf != nil {
		*receiver.RecvBuf = msg
		receiver.RecvBuf = nil
	}

	_ = k.Sched.Unblock(receiver)
}

// wakeSenderAfterDelivery is called once a blocked sender's message has
// been consumed by a matching receive. Per spec.md §4.9 ("the sender's
// receive phase, if sendrec, is then blocked as a fresh receive"), a
// sendrec sender transitions directly into BLOCKED/IPC_RECV waiting on
// its original destination rather than becoming READY.
func (k *Kernel) wakeSenderAfterDelivery(sender *PCB) {
	if sender.IsSendRec {
		sender.IsSendRec = false
		sender.BlockReason = BlockIPCRecv
		sender.WaitSource = sender.SendRecTarget
		sender.PendingMsg = nil

		return
	}

	_ = k.Sched.Unblock(sender)
}

// send is the shared implementation of Send and the first half of
// SendRec. It never itself issues ErrWouldBlock for the isSendRec=true
// caller — see SendRec for why.
func (k *Kernel) send(src *PCB, dst int, msg Message, isSendRec bool) error {
	if err := k.validDst(src.Pid, dst); err != nil {
		return err
	}

	dstPCB, err := k.Table.Lookup(dst)
	if err != nil {
		return fmt.Errorf("%w: dst=%d", ErrInvalidDst, dst)
	}

	msg.SrcPid = src.Pid

	if dstPCB.State == StateBlocked && dstPCB.BlockReason == BlockIPCRecv &&
		(dstPCB.WaitSource == 0 || dstPCB.WaitSource == src.Pid) {
		k.completeRendezvous(dstPCB, msg)

		return nil
	}

	// No matching receiver yet: src blocks in IPC_SEND, queued FIFO on
	// dst's sender wait list (spec.md §4.9 ordering requirement).
	cp := msg
	src.PendingMsg = &cp
	src.IsSendRec = isSendRec
	src.SendRecTarget = dst
	k.pushSendWaiter(dstPCB, src)
	k.Sched.BlockPCB(src, BlockIPCSend, dst)

	return ErrWouldBlock
}

// Send implements spec.md §4.9's send(dst, msg): blocks until dst is in
// IPC_RECV matching this sender. Must be called with src the currently
// RUNNING PCB (the caller of this syscall).
func (k *Kernel) Send(src *PCB, dst int, msg Message) error {
	return k.send(src, dst, msg, false)
}

// Receive implements spec.md §4.9's receive(src, &msg): blocks until a
// process matching src (0 = ANY) is in IPC_SEND to this receiver. buf
// receives the message on success (immediate or, if ErrWouldBlock, once
// woken and re-driven).
func (k *Kernel) Receive(self *PCB, src int, buf *Message) error {
	if sender := k.popSendWaiter(self, src); sender != nil {
		*buf = *sender.PendingMsg
		sender.PendingMsg = nil
		k.wakeSenderAfterDelivery(sender)

		return nil
	}

	self.RecvBuf = buf
	k.Sched.BlockPCB(self, BlockIPCRecv, src)

	return ErrWouldBlock
}

// SendRec implements spec.md §4.9's sendrec(dst, msg): an atomic send
// followed by a receive from the same destination. If the send completes
// immediately (dst was already waiting to receive from src), the receive
// half is attempted inline, which may itself complete immediately or
// block. If the send itself must block, the eventual rendezvous (driven
// by wakeSenderAfterDelivery, above) transitions src directly into the
// receive-blocked state without this function being re-entered.
func (k *Kernel) SendRec(src *PCB, dst int, out Message, in *Message) error {
	err := k.send(src, dst, out, true)

	switch {
	case err == nil:
		// Sent immediately; now perform the receive half inline.
		src.IsSendRec = false

		return k.Receive(src, dst, in)
	case errors.Is(err, ErrWouldBlock):
		// src is now BLOCKED/IPC_SEND; RecvBuf must be ready for the
		// moment the rendezvous (elsewhere) flips it to IPC_RECV.
		src.RecvBuf = in

		return ErrWouldBlock
	default:
		return err
	}
}
