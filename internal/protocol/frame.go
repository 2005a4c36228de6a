// Package protocol implements the provider's persistent-channel protocol:
// the two-phase polling handshake, the websocket upgrade, control-frame
// handling, and correlation of outbound requests with inbound replies.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Sequence tags on data frames are literal numeric prefixes: an outbound
// request with sequence n is prefixed 420+n, its reply 430+n. Bare "42"
// frames carry no correlation.
const (
	sendOffset = 420
	recvOffset = 430
)

// Control frames are single characters (plus the probe variants).
const (
	framePing      = "2"
	framePong      = "3"
	frameProbe     = "2probe"
	frameProbeAck  = "3probe"
	frameUpgrade   = "5"
	bareDataPrefix = "42"
)

// FrameKind classifies every inbound frame shape as a named case.
type FrameKind int

const (
	// FramePing is a server keepalive; it must be answered with a pong
	// immediately.
	FramePing FrameKind = iota
	// FramePong is the server's reply to our pong (ignored).
	FramePong
	// FrameProbeAck is the server's reply to our probe; the channel is not
	// usable until it has been seen and the upgrade frame sent.
	FrameProbeAck
	// FrameData is a correlated data frame carrying a sequence number.
	FrameData
	// FrameBareData is a data frame without numeric correlation.
	FrameBareData
	// FrameUnknown is anything the classifier does not recognise.
	FrameUnknown
)

// Frame is one decoded unit from the persistent channel.
type Frame struct {
	Kind    FrameKind
	Seq     int64 // valid only for FrameData
	Event   string
	Payload json.RawMessage
}

// ParseFrame classifies a raw channel message.
func ParseFrame(raw string) (Frame, error) {
	switch raw {
	case framePing:
		return Frame{Kind: FramePing}, nil
	case framePong:
		return Frame{Kind: FramePong}, nil
	case frameProbeAck:
		return Frame{Kind: FrameProbeAck}, nil
	}

	digits := leadingDigits(raw)
	if digits == "" || len(digits) == len(raw) {
		return Frame{Kind: FrameUnknown}, nil
	}

	body := raw[len(digits):]
	if !strings.HasPrefix(body, "[") {
		return Frame{Kind: FrameUnknown}, nil
	}

	frame := Frame{Kind: FrameBareData}
	if digits != bareDataPrefix {
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return Frame{}, fmt.Errorf("frame prefix %q: %w", digits, err)
		}
		frame.Kind = FrameData
		frame.Seq = n - recvOffset
		if frame.Seq < 0 {
			return Frame{Kind: FrameUnknown}, nil
		}
	}

	event, payload, err := decodeDataArray(body)
	if err != nil {
		return Frame{}, err
	}
	frame.Event = event
	frame.Payload = payload
	return frame, nil
}

// decodeDataArray unpacks the JSON array body of a data frame. Two shapes
// exist on the wire: [event, payload] and the single-element ack reply
// [payload].
func decodeDataArray(body string) (string, json.RawMessage, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(body), &elems); err != nil {
		return "", nil, fmt.Errorf("decode data frame: %w", err)
	}
	if len(elems) == 0 {
		return "", nil, fmt.Errorf("decode data frame: empty array")
	}

	var event string
	if len(elems) >= 2 {
		if err := json.Unmarshal(elems[0], &event); err == nil {
			return event, elems[1], nil
		}
	}
	return "", elems[0], nil
}

// EncodeData builds the outbound wire form for a correlated request:
// the numeric prefix followed by a JSON array of the event name and its
// arguments.
func EncodeData(seq int64, event string, args ...any) (string, error) {
	elems := append([]any{event}, args...)
	body, err := json.Marshal(elems)
	if err != nil {
		return "", fmt.Errorf("encode data frame: %w", err)
	}
	return strconv.FormatInt(sendOffset+seq, 10) + string(body), nil
}

func leadingDigits(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return s[:i]
		}
	}
	return s
}
