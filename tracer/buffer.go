package tracer

import (
	"context"
	"log"
	"sync"
	"time"
)

// PacketBuffer coalesces packets pushed within a send delay window into a single traces message.
type PacketBuffer struct {
	sender Sender
	delay  time.Duration

	mu      sync.Mutex
	packets []Packet
	timer   *time.Timer
	closed  bool
	sendMu  sync.Mutex // serializes sends so batches arrive in push order
}

// NewPacketBuffer returns an open buffer which sends batches to sender.
func NewPacketBuffer(sender Sender, delay time.Duration) *PacketBuffer {
	return &PacketBuffer{sender: sender, delay: delay}
}

// Push appends a packet, arming the send timer if this is the first packet of the window. Packets pushed after
// Close are dropped.
func (b *PacketBuffer) Push(p Packet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.packets = append(b.packets, p)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.timerFlush)
	}
	return true
}

func (b *PacketBuffer) timerFlush() {
	b.flush(false)
}

// Flush sends any buffered packets immediately.
func (b *PacketBuffer) Flush() {
	b.flush(false)
}

func (b *PacketBuffer) flush(closing bool) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	packets := b.packets
	b.packets = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if closing {
		b.closed = true
	}
	b.mu.Unlock()

	if len(packets) == 0 {
		return
	}
	if err := b.sender.Send(context.Background(), newTracesMessage(packets)); err != nil {
		log.Printf("%sFailed to send %d trace packets: %v", ErrorLogPrefix, len(packets), err)
	}
}

// Close sends any buffered packets and rejects later pushes.
func (b *PacketBuffer) Close() {
	b.flush(true)
}

// Reopen accepts pushes again after Close.
func (b *PacketBuffer) Reopen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = false
}

// Buffered returns the count of packets waiting for the next send.
func (b *PacketBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets)
}
