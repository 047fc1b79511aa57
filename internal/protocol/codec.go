package protocol

import (
	"fmt"

	"github.com/lucasb-eyer/go-colorful"
)

// RGB is an 8-bit color triple as carried in List replies.
type RGB struct {
	R, G, B uint8
}

// Color converts c to a normalized color.
func (c RGB) Color() colorful.Color {
	return colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
}

// IsZero reports whether all channels are off.
func (c RGB) IsZero() bool {
	return c.R == 0 && c.G == 0 && c.B == 0
}

// RGBW is the four-channel value the fixture renders.
type RGBW struct {
	R, G, B, W uint8
}

// ToRGBW derives the fixture channels from a normalized color. The white
// channel is 255 minus the 8-bit saturation (max-min)*255/max.
func ToRGBW(c colorful.Color) RGBW {
	r, g, b := c.Clamped().RGB255()
	hi := max(r, g, b)
	lo := min(r, g, b)
	sat := 0
	if hi > 0 {
		sat = (int(hi) - int(lo)) * 255 / int(hi)
	}
	return RGBW{R: r, G: g, B: b, W: clampByte(255 - sat)}
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Request is an outbound command.
type Request struct {
	Command Command
	Slot    uint8
	Color   RGBW
	BySlot  bool // Render only: show a stored slot instead of Color
}

func PingRequest() Request    { return Request{Command: CmdPing} }
func ListRequest() Request    { return Request{Command: CmdList} }
func CurrentRequest() Request { return Request{Command: CmdCurrent} }
func WriteRequest() Request   { return Request{Command: CmdWrite} }

// SetRequest stores c in slot without rendering it.
func SetRequest(slot uint8, c RGBW) Request {
	return Request{Command: CmdSet, Slot: slot, Color: c}
}

// RenderSlotRequest shows the color stored in slot.
func RenderSlotRequest(slot uint8) Request {
	return Request{Command: CmdRender, Slot: slot, BySlot: true}
}

// RenderColorRequest shows c immediately.
func RenderColorRequest(c RGBW) Request {
	return Request{Command: CmdRender, Color: c}
}

func (r Request) String() string {
	switch {
	case r.Command == CmdSet:
		return fmt.Sprintf("Set(%d, %d,%d,%d,%d)", r.Slot, r.Color.R, r.Color.G, r.Color.B, r.Color.W)
	case r.Command == CmdRender && r.BySlot:
		return fmt.Sprintf("Render(slot %d)", r.Slot)
	case r.Command == CmdRender:
		return fmt.Sprintf("Render(%d,%d,%d,%d)", r.Color.R, r.Color.G, r.Color.B, r.Color.W)
	default:
		return r.Command.String()
	}
}

// Encode returns the request in wire form.
func (r Request) Encode() []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame, byte(r.Command))
	switch r.Command {
	case CmdSet:
		frame = append(frame, r.Slot, r.Color.R, r.Color.G, r.Color.B, r.Color.W)
	case CmdRender:
		if r.BySlot {
			frame = append(frame, r.Slot)
		} else {
			frame = append(frame, r.Color.R, r.Color.G, r.Color.B, r.Color.W)
		}
	}
	return append(frame, termCR, termLF)
}

// DecodeRequest parses a request in wire form. Known commands the codec does
// not encode are returned with ErrUnsupportedCode.
func DecodeRequest(raw []byte) (Request, error) {
	if len(raw) < 3 {
		return Request{}, ErrShortRequest
	}
	if raw[len(raw)-2] != termCR || raw[len(raw)-1] != termLF {
		return Request{}, fmt.Errorf("%w: missing terminator", ErrMalformedFrame)
	}
	cmd := Command(raw[0])
	if !cmd.Known() {
		return Request{}, fmt.Errorf("%w: unknown command 0x%02X", ErrMalformedFrame, raw[0])
	}
	body := raw[1 : len(raw)-2]
	req := Request{Command: cmd}

	switch cmd {
	case CmdPing, CmdList, CmdCurrent, CmdWrite:
		if len(body) != 0 {
			return req, fmt.Errorf("%w: %s with %d bytes", ErrBadPayload, cmd, len(body))
		}
	case CmdSet:
		if len(body) != 5 {
			return req, fmt.Errorf("%w: %s with %d bytes", ErrBadPayload, cmd, len(body))
		}
		req.Slot = body[0]
		req.Color = RGBW{R: body[1], G: body[2], B: body[3], W: body[4]}
	case CmdRender:
		switch len(body) {
		case 1:
			req.BySlot = true
			req.Slot = body[0]
		case 4:
			req.Color = RGBW{R: body[0], G: body[1], B: body[2], W: body[3]}
		default:
			return req, fmt.Errorf("%w: %s with %d bytes", ErrBadPayload, cmd, len(body))
		}
	default:
		return req, fmt.Errorf("%w: %s", ErrUnsupportedCode, cmd)
	}
	return req, nil
}

// Reply is a decoded reply frame.
type Reply struct {
	Command Command
	OK      bool
	Slot    int   // Current: active slot
	Colors  []RGB // List: stored presets in slot order
}

// DecodeReply interprets the payload of f according to its command.
// Payloads of failed replies are ignored.
func DecodeReply(f Frame) Reply {
	r := Reply{Command: f.Command, OK: f.OK}
	if !f.OK {
		return r
	}
	switch f.Command {
	case CmdCurrent:
		r.Slot = DecodeCurrent(f.Payload)
	case CmdList:
		r.Colors = DecodeList(f.Payload)
	}
	return r
}

// DecodeCurrent returns the slot index in a Current payload, 0 if empty.
func DecodeCurrent(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	return int(payload[0])
}

// DecodeList splits a List payload into (r,g,b,reserved) groups. It stops at
// the first all-zero group that follows an accepted group, at an incomplete
// group, or after MaxSlots groups. A leading all-zero group is kept: slot 0
// may legitimately be "off".
func DecodeList(payload []byte) []RGB {
	var colors []RGB
	for off := 0; off+4 <= len(payload) && len(colors) < MaxSlots; off += 4 {
		g := payload[off : off+4]
		if len(colors) > 0 && g[0] == 0 && g[1] == 0 && g[2] == 0 && g[3] == 0 {
			break
		}
		colors = append(colors, RGB{R: g[0], G: g[1], B: g[2]})
	}
	return colors
}

// EncodeList builds a List payload; the reserved byte is zero.
func EncodeList(colors []RGB) []byte {
	payload := make([]byte, 0, len(colors)*4)
	for _, c := range colors {
		payload = append(payload, c.R, c.G, c.B, 0)
	}
	return payload
}
