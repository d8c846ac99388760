package protocol

import (
	"encoding/json"
	"fmt"
)

type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameSync     FrameType = "sync"
)

// Frame is the unit written to the session, exactly one payload matches its type.
type Frame struct {
	Type     FrameType `json:"type"`
	ID       string    `json:"id,omitempty"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
	Sync     *Delta    `json:"sync,omitempty"`
}

func EncodeFrame(f *Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return raw, nil
}

func DecodeFrame(raw []byte) (*Frame, error) {
	f := new(Frame)
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	switch {
	case f.Type == FrameRequest && f.Request != nil:
	case f.Type == FrameResponse && f.Response != nil:
	case f.Type == FrameSync && f.Sync != nil:
	default:
		return f, fmt.Errorf("frame of type %q is missing its payload", f.Type)
	}
	return f, nil
}
