// Package protocol is the JSON wire format of the live relay socket.
//
// Every frame is a JSON object with a "type" field. Client frames decode into
// one of a closed set of ClientMessage types; server frames are built with the
// New* constructors and marshaled as-is.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-evidence/pkg/core/types"
)

const (
	TypeControlStart   = "control.start"
	TypeControlStop    = "control.stop"
	TypeAudioChunk     = "audio.chunk"
	TypeTranscriptUser = "transcript.user"

	TypeSessionState    = "session.state"
	TypeTranscriptChunk = "transcript.chunk"
	TypeDebug           = "debug"
	TypeError           = "error"
)

// DefaultInputMIMEType is assumed when control.start names no format.
const DefaultInputMIMEType = "audio/pcm;rate=16000"

// DefaultMaxAudioChunkBytes bounds the decoded payload of one audio.chunk.
const DefaultMaxAudioChunkBytes = 150 * 1024

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func tooLarge(message, param string) *DecodeError {
	return &DecodeError{Code: "too_large", Message: message, Param: param}
}

// ClientMessage is implemented only by the types in this file.
type ClientMessage interface {
	clientMessage()
}

// ControlStart asks the relay to open the upstream voice session.
type ControlStart struct {
	MIMEType string `json:"mimeType,omitempty"`
}

// ControlStop ends the current audio stream and closes the upstream session.
type ControlStop struct{}

// AudioChunk carries one slice of microphone audio. Data is the decoded
// payload; on the wire it is base64.
type AudioChunk struct {
	MIMEType string
	Data     []byte
}

// TranscriptUser is a user-typed (or client-transcribed) utterance.
type TranscriptUser struct {
	Chunk types.TranscriptChunk
}

func (ControlStart) clientMessage()   {}
func (ControlStop) clientMessage()    {}
func (AudioChunk) clientMessage()     {}
func (TranscriptUser) clientMessage() {}

// DecodeOptions bound what a client frame may carry.
type DecodeOptions struct {
	MaxAudioChunkBytes int
}

func (o DecodeOptions) maxAudio() int {
	if o.MaxAudioChunkBytes <= 0 {
		return DefaultMaxAudioChunkBytes
	}
	return o.MaxAudioChunkBytes
}

// DecodeClientMessage parses one text frame.
func DecodeClientMessage(data []byte, opts DecodeOptions) (ClientMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeControlStart:
		var msg ControlStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control.start", "")
		}
		msg.MIMEType = strings.TrimSpace(msg.MIMEType)
		if msg.MIMEType == "" {
			msg.MIMEType = DefaultInputMIMEType
		}
		if !strings.HasPrefix(strings.ToLower(msg.MIMEType), "audio/") {
			return nil, badRequest("control.start.mimeType must be an audio type", "mimeType")
		}
		return msg, nil
	case TypeControlStop:
		return ControlStop{}, nil
	case TypeAudioChunk:
		var wire struct {
			MIMEType string `json:"mimeType"`
			Data     string `json:"data"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, badRequest("invalid audio.chunk", "")
		}
		if strings.TrimSpace(wire.Data) == "" {
			return nil, badRequest("audio.chunk.data is required", "data")
		}
		max := opts.maxAudio()
		if base64.StdEncoding.DecodedLen(len(wire.Data)) > max+3 {
			return nil, tooLarge("audio.chunk exceeds the maximum size", "data")
		}
		raw, err := base64.StdEncoding.DecodeString(wire.Data)
		if err != nil {
			return nil, badRequest("audio.chunk.data must be base64", "data")
		}
		if len(raw) > max {
			return nil, tooLarge("audio.chunk exceeds the maximum size", "data")
		}
		mime := strings.TrimSpace(wire.MIMEType)
		if mime == "" {
			mime = DefaultInputMIMEType
		}
		return AudioChunk{MIMEType: mime, Data: raw}, nil
	case TypeTranscriptUser:
		var wire struct {
			Chunk *types.TranscriptChunk `json:"chunk"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, badRequest("invalid transcript.user", "")
		}
		if wire.Chunk == nil {
			return nil, badRequest("transcript.user.chunk is required", "chunk")
		}
		chunk := *wire.Chunk
		if chunk.Speaker == "" {
			chunk.Speaker = types.SpeakerUser
		}
		if chunk.Speaker != types.SpeakerUser {
			return nil, badRequest("transcript.user.chunk.speaker must be user", "chunk.speaker")
		}
		if strings.TrimSpace(chunk.Text) == "" {
			return nil, badRequest("transcript.user.chunk.text is required", "chunk.text")
		}
		return TranscriptUser{Chunk: chunk}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// SessionState pushes a full snapshot.
type SessionState struct {
	Type    string         `json:"type"`
	Session *types.Session `json:"session"`
}

type TranscriptChunk struct {
	Type  string                `json:"type"`
	Chunk types.TranscriptChunk `json:"chunk"`
}

// ServerAudioChunk is model audio forwarded to the client.
type ServerAudioChunk struct {
	Type     string `json:"type"`
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewSessionState(s *types.Session) SessionState {
	return SessionState{Type: TypeSessionState, Session: s}
}

func NewTranscriptChunk(c types.TranscriptChunk) TranscriptChunk {
	return TranscriptChunk{Type: TypeTranscriptChunk, Chunk: c}
}

func NewAudioChunk(mimeType string, data []byte) ServerAudioChunk {
	return ServerAudioChunk{Type: TypeAudioChunk, MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}
}

func NewDebug(message string) Notice {
	return Notice{Type: TypeDebug, Message: message}
}

func NewError(message string) Notice {
	return Notice{Type: TypeError, Message: message}
}
