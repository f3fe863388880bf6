package gateway

import (
	"encoding/json"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Opcode identifies a frame's meaning. Values are part of the wire contract.
type Opcode int

const (
	OpAuth         Opcode = 0
	OpAuthOK       Opcode = 1
	OpAuthFail     Opcode = 2
	OpHello        Opcode = 3
	OpSubscribe    Opcode = 4
	OpUnsubscribe  Opcode = 5
	OpHeartbeat    Opcode = 6
	OpHeartbeatAck Opcode = 7

	OpMessageCreated  Opcode = 10
	OpMessageEdited   Opcode = 11
	OpMessageDeleted  Opcode = 12
	OpPresenceUpdated Opcode = 13
	OpMemberUpdated   Opcode = 14

	OpTypingStart      Opcode = 20
	OpTypingStop       Opcode = 21
	OpReadStateUpdate  Opcode = 22
	OpVoiceStateUpdate Opcode = 23

	OpCallInvite  Opcode = 30
	OpCallAccept  Opcode = 31
	OpCallDecline Opcode = 32
	OpCallEnd     Opcode = 33

	OpError Opcode = 99
)

var eventNames = map[Opcode]string{
	OpMessageCreated:   "MESSAGE_CREATED",
	OpMessageEdited:    "MESSAGE_EDITED",
	OpMessageDeleted:   "MESSAGE_DELETED",
	OpPresenceUpdated:  "PRESENCE_UPDATED",
	OpMemberUpdated:    "MEMBER_UPDATED",
	OpTypingStart:      "TYPING_START",
	OpTypingStop:       "TYPING_STOP",
	OpReadStateUpdate:  "READ_STATE_UPDATE",
	OpVoiceStateUpdate: "VOICE_STATE_UPDATE",
	OpCallInvite:       "CALL_INVITE",
	OpCallAccept:       "CALL_ACCEPT",
	OpCallDecline:      "CALL_DECLINE",
	OpCallEnd:          "CALL_END",
}

// EventName returns the human-readable `t` value mirroring the opcode,
// attached to event frames for client-side dispatch convenience.
func EventName(op Opcode) string { return eventNames[op] }

// Websocket close codes. Invalid-token and connection-limit are distinct so
// clients know whether to re-login or stop retrying.
const (
	CloseInvalidToken     = 4001
	CloseConnectionLimit  = 4002
	CloseHeartbeatTimeout = 4008
)

// Frame is the wire envelope: {op, d, seq?, ts, t?}. seq is attached only to
// event frames and counts per connection; control frames omit it.
type Frame struct {
	Op  Opcode      `json:"op"`
	D   interface{} `json:"d,omitempty"`
	Seq *uint64     `json:"seq,omitempty"`
	Ts  int64       `json:"ts"`
	T   string      `json:"t,omitempty"`
}

// ParseFrame decodes an inbound client frame. Unknown fields are discarded.
func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errors.Wrap(err, "unmarshal frame")
	}
	return f, nil
}

// DecodePayload maps a frame's `d` into a typed payload struct, weakly typed
// so numeric strings and float-encoded ints from lax clients still bind.
func DecodePayload[T any](f *Frame) (*T, error) {
	if f.D == nil {
		return nil, errors.New("frame has no payload")
	}
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new payload decoder")
	}
	if err := dec.Decode(f.D); err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}
	return &out, nil
}

func controlFrame(op Opcode, d interface{}) *Frame {
	return &Frame{Op: op, D: d, Ts: time.Now().UnixMilli()}
}

func errorFrame(code int, message string, deniedChannels []string) *Frame {
	return controlFrame(OpError, ErrorPayload{
		Code:             code,
		Message:          message,
		DeniedChannelIDs: deniedChannels,
	})
}

// ---- client payloads ----

type AuthPayload struct {
	Token string `json:"token"`
}

type SubscribePayload struct {
	ChannelIDs []string `json:"channel_ids"`
}

type TypingPayload struct {
	ChannelID string `json:"channel_id"`
}

type VoiceStatePayload struct {
	Action    string `json:"action"` // join | leave | update
	ChannelID string `json:"channel_id"`
	Handle    string `json:"handle,omitempty"`
	SelfMute  bool   `json:"self_mute"`
	SelfDeaf  bool   `json:"self_deaf"`
}

type CallSignalPayload struct {
	TargetUserID string      `json:"target_user_id"`
	SenderUserID string      `json:"sender_user_id,omitempty"`
	CallID       string      `json:"call_id,omitempty"`
	Data         interface{} `json:"data,omitempty"`
}

// ---- server payloads ----

type HelloPayload struct {
	ConnID              string `json:"conn_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
}

type AuthOKPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type AuthFailPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ErrorPayload struct {
	Code             int      `json:"code"`
	Message          string   `json:"message"`
	DeniedChannelIDs []string `json:"denied_channel_ids,omitempty"`
}

// ---- event payloads ----

type PresenceUpdatePayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type TypingEventPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// VoiceEventPayload is the incremental voice event broadcast to a channel.
// The joining client additionally receives a roster action carrying the full
// participant list, since the broadcast only carries the delta.
type VoiceEventPayload struct {
	Action      string      `json:"action"` // join | leave | update | roster
	ChannelID   string      `json:"channel_id"`
	UserID      string      `json:"user_id,omitempty"`
	Participant interface{} `json:"participant,omitempty"`
	Roster      interface{} `json:"roster,omitempty"`
}

// Protocol error codes carried inside ERROR frames (the connection stays
// open for all of these).
const (
	ErrCodeNotAuthenticated = 1001
	ErrCodeBadPayload       = 1002
	ErrCodeDenied           = 1003
	ErrCodeNotSubscribed    = 1004
)
