package protocol

import (
	"encoding/json"
)

// realtime frames are json text messages on the realtime websocket.
// The client opens with `auth` and waits for `auth_ok`. After that it sends
// `subscribe`/`unsubscribe` and the server pushes `diff`.
// The first diff after a subscribe has `snapshot` set and lists the complete
// current content of the subscribed path as added documents.

type FrameType string

const (
	FrameAuth        FrameType = "auth"
	FrameAuthOk      FrameType = "auth_ok"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameDiff        FrameType = "diff"
	FrameError       FrameType = "error"
)

type Frame struct {
	Type     FrameType `json:"type"`
	Token    string    `json:"token,omitempty"`
	Path     string    `json:"path,omitempty"`
	Snapshot bool      `json:"snapshot,omitempty"`
	Changes  []*Change `json:"changes,omitempty"`
	Message  string    `json:"message,omitempty"`
}

func AuthFrame(token string) *Frame {
	return &Frame{
		Type:  FrameAuth,
		Token: token,
	}
}

func SubscribeFrame(path string) *Frame {
	return &Frame{
		Type: FrameSubscribe,
		Path: path,
	}
}

func UnsubscribeFrame(path string) *Frame {
	return &Frame{
		Type: FrameUnsubscribe,
		Path: path,
	}
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
