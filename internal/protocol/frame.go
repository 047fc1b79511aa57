package protocol

import (
	"fmt"
	"iter"
)

// Frame is one decoded reply from the fixture.
type Frame struct {
	Command Command
	OK      bool
	Payload []byte
}

// Decoder accumulates raw link bytes and cuts them into reply frames.
//
// A frame ends when the last two bytes of the accumulated buffer are CR LF.
// The check runs after every appended byte, so the frames produced do not
// depend on how the input was chunked. The buffer is cleared after each
// terminator, whether or not the frame parsed.
type Decoder struct {
	buf     []byte
	pending []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 64)}
}

// Feed queues p and returns a sequence of the frames it completes. Each
// element is either a frame or a framing error (ErrFrameTooLarge,
// ErrMalformedFrame). Bytes left unconsumed because iteration stopped early
// are processed first by the next Feed.
func (d *Decoder) Feed(p []byte) iter.Seq2[Frame, error] {
	d.pending = append(d.pending, p...)
	return func(yield func(Frame, error) bool) {
		for len(d.pending) > 0 {
			b := d.pending[0]
			d.pending = d.pending[1:]
			if len(d.pending) == 0 {
				d.pending = nil
			}
			f, err, ok := d.push(b)
			if !ok {
				continue
			}
			if !yield(f, err) {
				return
			}
		}
	}
}

// Buffered returns the number of bytes accumulated toward the next frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) + len(d.pending)
}

// Reset drops all accumulated and queued bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.pending = nil
}

// push appends one byte and reports whether a frame (or framing error) is ready.
func (d *Decoder) push(b byte) (Frame, error, bool) {
	d.buf = append(d.buf, b)
	n := len(d.buf)
	if n >= minFrameSz && d.buf[n-2] == termCR && d.buf[n-1] == termLF {
		f, err := parseFrame(d.buf)
		d.buf = d.buf[:0]
		return f, err, true
	}
	if n >= MaxFrameSize {
		d.buf = d.buf[:0]
		return Frame{}, ErrFrameTooLarge, true
	}
	return Frame{}, nil, false
}

func parseFrame(raw []byte) (Frame, error) {
	cmd := Command(raw[0])
	if !cmd.Known() {
		return Frame{}, fmt.Errorf("%w: unknown command 0x%02X", ErrMalformedFrame, raw[0])
	}
	f := Frame{
		Command: cmd,
		OK:      raw[1] == statusOK,
	}
	if body := raw[2 : len(raw)-2]; len(body) > 0 {
		f.Payload = make([]byte, len(body))
		copy(f.Payload, body)
	}
	return f, nil
}

// EncodeReply builds a reply frame in the fixture's wire form.
func EncodeReply(cmd Command, ok bool, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+minFrameSz)
	status := uint8(0)
	if ok {
		status = statusOK
	}
	frame = append(frame, byte(cmd), status)
	frame = append(frame, payload...)
	return append(frame, termCR, termLF)
}
