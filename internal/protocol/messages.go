// Package protocol defines the JSON messages exchanged with controllers and
// viewers.
package protocol

import (
	"encoding/json"
)

// Actions understood on the control and viewer channels
const (
	ActionStatus = "status"
	ActionTalk   = "talk"
)

// Fixed acknowledgement strings
const (
	ConnectedAck = "connected"
	ControlAck   = "broadcast sent to all viewer clients"
)

// ControlRequest is the body a controller posts to the control endpoint.
// Data is decoded lazily because its shape depends on Action.
type ControlRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// TalkData is the payload of a talk action
type TalkData struct {
	AudioPath string `json:"audio_path"`
	// Filename optionally overrides the destination name derived from AudioPath
	Filename string `json:"filename,omitempty"`
}

// ControlResponse is the body returned to the controller in every case
type ControlResponse struct {
	Message string `json:"message"`
}

// StatusMessage is sent to a viewer as soon as it connects
type StatusMessage struct {
	Action string `json:"action"`
	Data   string `json:"data"`
}

// TalkMessage tells viewers a new audio asset is ready to play
type TalkMessage struct {
	Action    string `json:"action"`
	AudioPath string `json:"audio_path"`
}

// EncodeStatus returns the encoded connect acknowledgement
func EncodeStatus(ack string) ([]byte, error) {
	return json.Marshal(StatusMessage{Action: ActionStatus, Data: ack})
}

// EncodeTalk returns the encoded talk notification for an asset reference
func EncodeTalk(audioPath string) ([]byte, error) {
	return json.Marshal(TalkMessage{Action: ActionTalk, AudioPath: audioPath})
}
