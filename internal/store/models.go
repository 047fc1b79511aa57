package store

import "time"

// Exchange outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeTimedOut = "timed_out"
)

// Exchange is one completed request/reply round trip with the fixture.
type Exchange struct {
	Seq       uint64    `json:"seq"`
	Command   string    `json:"command"`
	Request   string    `json:"request"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Time      time.Time `json:"time"`
}

// LinkState is the last known state of the transport.
type LinkState struct {
	Connected      bool      `json:"connected"`
	LastConnect    time.Time `json:"last_connect,omitempty"`
	LastDisconnect time.Time `json:"last_disconnect,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Connects       int       `json:"connects"`
}
