package msc

import (
	"context"
	"sync"

	"github.com/ardnew/softmmc/pkg"
)

// Transport moves bulk transfers between the initiator and the device.
//
// Receive fills buf until it is full or a packet shorter than
// MaxPacketSize ends the transfer, and returns the number of bytes read.
// Send delivers data as one transfer.
type Transport interface {
	Receive(ctx context.Context, buf []byte) (int, error)
	Send(ctx context.Context, data []byte) (int, error)
}

// pipeDepth is the number of packets buffered in each direction.
const pipeDepth = 64

// PipeEnd is one side of an in-memory bulk pipe.
type PipeEnd struct {
	in      <-chan []byte
	out     chan<- []byte
	pending []byte
	short   bool // pending is the tail of a short packet

	closed chan struct{}
	once   *sync.Once
}

// NewPipe returns the two ends of a connected bulk pipe. Closing either
// end unblocks both.
func NewPipe() (device, host *PipeEnd) {
	toDevice := make(chan []byte, pipeDepth)
	toHost := make(chan []byte, pipeDepth)
	closed := make(chan struct{})
	once := &sync.Once{}

	device = &PipeEnd{in: toDevice, out: toHost, closed: closed, once: once}
	host = &PipeEnd{in: toHost, out: toDevice, closed: closed, once: once}
	return device, host
}

// Receive reads one transfer into buf.
func (p *PipeEnd) Receive(ctx context.Context, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		if len(p.pending) == 0 {
			select {
			case packet := <-p.in:
				p.pending = packet
				p.short = len(packet) < MaxPacketSize
			case <-p.closed:
				return n, pkg.ErrClosed
			case <-ctx.Done():
				return n, ctx.Err()
			}
		}

		c := copy(buf[n:], p.pending)
		p.pending = p.pending[c:]
		n += c

		// the rest of a split packet stays pending for the next call
		if p.short && len(p.pending) == 0 {
			break
		}
	}
	return n, nil
}

// Send splits data into packets. An empty transfer is sent as a single
// zero-length packet.
func (p *PipeEnd) Send(ctx context.Context, data []byte) (int, error) {
	sent := 0
	for {
		size := min(len(data)-sent, MaxPacketSize)
		packet := make([]byte, size)
		copy(packet, data[sent:])

		select {
		case p.out <- packet:
		case <-p.closed:
			return sent, pkg.ErrClosed
		case <-ctx.Done():
			return sent, ctx.Err()
		}

		sent += size
		if sent == len(data) {
			return sent, nil
		}
	}
}

// Close shuts down both ends of the pipe.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

var _ Transport = (*PipeEnd)(nil)
