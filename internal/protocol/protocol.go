// Package protocol implements the fixture's serial command protocol:
// CRLF-terminated reply frames, request encoding and reply payload decoding.
//
// Reply frame:   [command:u8][status:u8][payload...][0x0D][0x0A]
// Request frame: [command:u8][payload...][0x0D][0x0A]
package protocol

import (
	"errors"
	"fmt"
)

// Command identifies a protocol command. Value 10 is reserved.
type Command uint8

const (
	CmdPing      Command = 1
	CmdCurrent   Command = 2
	CmdWrite     Command = 3
	CmdRender    Command = 4
	CmdList      Command = 5
	CmdSet       Command = 6
	CmdGet       Command = 7
	CmdVersion   Command = 8
	CmdUpgrade   Command = 9
	CmdClear     Command = 11
	CmdAuthorise Command = 12
)

const (
	statusOK   uint8 = 0x01
	termCR     byte  = 0x0D
	termLF     byte  = 0x0A
	minFrameSz       = 4 // command + status + CR + LF

	// MaxFrameSize bounds the decoder buffer when no terminator arrives.
	MaxFrameSize = 4096

	// MaxSlots is the number of preset slots the fixture stores.
	MaxSlots = 32
)

var (
	ErrFrameTooLarge   = errors.New("protocol: frame too large")
	ErrMalformedFrame  = errors.New("protocol: malformed frame")
	ErrShortRequest    = errors.New("protocol: request too short")
	ErrBadPayload      = errors.New("protocol: unexpected payload length")
	ErrUnsupportedCode = errors.New("protocol: unsupported command")
)

// Known reports whether c is a command code the fixture defines.
func (c Command) Known() bool {
	switch c {
	case CmdPing, CmdCurrent, CmdWrite, CmdRender, CmdList, CmdSet,
		CmdGet, CmdVersion, CmdUpgrade, CmdClear, CmdAuthorise:
		return true
	}
	return false
}

func (c Command) String() string {
	switch c {
	case CmdPing:
		return "Ping"
	case CmdCurrent:
		return "Current"
	case CmdWrite:
		return "Write"
	case CmdRender:
		return "Render"
	case CmdList:
		return "List"
	case CmdSet:
		return "Set"
	case CmdGet:
		return "Get"
	case CmdVersion:
		return "Version"
	case CmdUpgrade:
		return "Upgrade"
	case CmdClear:
		return "Clear"
	case CmdAuthorise:
		return "Authorise"
	default:
		return fmt.Sprintf("0x%02X", uint8(c))
	}
}
