package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Command tags carried by inbound frames.
const (
	CommandTranscribe = "transcribe"
	CommandShutdown   = "shutdown"
)

// Reply tags carried by outbound frames.
const (
	TypeReady    = "ready"
	TypeResult   = "result"
	TypeError    = "error"
	TypeFatal    = "fatal"
	TypeShutdown = "shutdown"
)

// Request is a host-to-worker message. The set of implementations is closed:
// TranscribeRequest and ShutdownRequest.
type Request interface {
	Command() string
	isRequest()
}

// TranscribeRequest asks the worker to transcribe the raw PCM file at Path.
type TranscribeRequest struct {
	Path string
}

// ShutdownRequest asks the worker to acknowledge and stop reading.
type ShutdownRequest struct{}

func (TranscribeRequest) Command() string { return CommandTranscribe }
func (ShutdownRequest) Command() string   { return CommandShutdown }

func (TranscribeRequest) isRequest() {}
func (ShutdownRequest) isRequest()   {}

// Reply is a worker-to-host message. The set of implementations is closed:
// ReadyReply, ResultReply, ErrorReply, FatalReply and ShutdownReply.
type Reply interface {
	Type() string
	isReply()
}

// ReadyReply is the handshake sent once the engine has loaded.
type ReadyReply struct{}

// ResultReply carries the transcript for one request.
type ResultReply struct {
	Text string
}

// ErrorReply reports a failed request. The worker keeps serving.
type ErrorReply struct {
	Message string
}

// FatalReply reports a startup failure. The worker exits after sending it.
type FatalReply struct {
	Message string
}

// ShutdownReply acknowledges a ShutdownRequest.
type ShutdownReply struct{}

func (ReadyReply) Type() string    { return TypeReady }
func (ResultReply) Type() string   { return TypeResult }
func (ErrorReply) Type() string    { return TypeError }
func (FatalReply) Type() string    { return TypeFatal }
func (ShutdownReply) Type() string { return TypeShutdown }

func (ReadyReply) isReply()    {}
func (ResultReply) isReply()   {}
func (ErrorReply) isReply()    {}
func (FatalReply) isReply()    {}
func (ShutdownReply) isReply() {}

// DecodeError reports a payload that is not a valid message. It never
// invalidates the stream: the frame boundary is intact.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode message: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// UnknownCommandError reports a well-formed request with an unrecognized
// command tag. A tag that is not a JSON string is carried as its JSON text,
// and a missing tag as "null".
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return "Unknown command " + e.Command
}

// UnknownTypeError reports a well-formed reply with an unrecognized type tag.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return "unknown reply type " + e.Type
}

var (
	errMissingPath    = errors.New("transcribe: path is required")
	errMissingType    = errors.New("missing type")
)

type requestEnvelope struct {
	Command json.RawMessage `json:"command"`
	Path    *string         `json:"path,omitempty"`
}

type replyEnvelope struct {
	Type  string  `json:"type"`
	Text  *string `json:"text,omitempty"`
	Error *string `json:"error,omitempty"`
}

// MarshalRequest encodes req as a JSON payload.
func MarshalRequest(req Request) ([]byte, error) {
	command, err := json.Marshal(req.Command())
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	envelope := requestEnvelope{Command: command}

	switch r := req.(type) {
	case TranscribeRequest:
		path := r.Path
		envelope.Path = &path
	case ShutdownRequest:
	default:
		return nil, fmt.Errorf("marshal request: unsupported type %T", req)
	}

	return json.Marshal(envelope)
}

// UnmarshalRequest decodes a JSON payload into a Request. Fields other than
// command and path are ignored.
func UnmarshalRequest(payload []byte) (Request, error) {
	var envelope requestEnvelope
	if err := decodeObject(payload, &envelope); err != nil {
		return nil, &DecodeError{Err: err}
	}
	command, ok := commandTag(envelope.Command)
	if !ok {
		return nil, &UnknownCommandError{Command: command}
	}

	switch command {
	case CommandTranscribe:
		if envelope.Path == nil {
			return nil, &DecodeError{Err: errMissingPath}
		}
		return TranscribeRequest{Path: *envelope.Path}, nil
	case CommandShutdown:
		return ShutdownRequest{}, nil
	default:
		return nil, &UnknownCommandError{Command: command}
	}
}

// MarshalReply encodes reply as a JSON payload.
func MarshalReply(reply Reply) ([]byte, error) {
	envelope := replyEnvelope{Type: reply.Type()}

	switch r := reply.(type) {
	case ReadyReply, ShutdownReply:
	case ResultReply:
		text := r.Text
		envelope.Text = &text
	case ErrorReply:
		message := r.Message
		envelope.Error = &message
	case FatalReply:
		message := r.Message
		envelope.Error = &message
	default:
		return nil, fmt.Errorf("marshal reply: unsupported type %T", reply)
	}

	return json.Marshal(envelope)
}

// UnmarshalReply decodes a JSON payload into a Reply.
func UnmarshalReply(payload []byte) (Reply, error) {
	var envelope replyEnvelope
	if err := decodeObject(payload, &envelope); err != nil {
		return nil, &DecodeError{Err: err}
	}

	switch envelope.Type {
	case "":
		return nil, &DecodeError{Err: errMissingType}
	case TypeReady:
		return ReadyReply{}, nil
	case TypeResult:
		return ResultReply{Text: deref(envelope.Text)}, nil
	case TypeError:
		return ErrorReply{Message: deref(envelope.Error)}, nil
	case TypeFatal:
		return FatalReply{Message: deref(envelope.Error)}, nil
	case TypeShutdown:
		return ShutdownReply{}, nil
	default:
		return nil, &UnknownTypeError{Type: envelope.Type}
	}
}

// decodeObject rejects anything but a single JSON object, including a
// literal null which json.Unmarshal would silently accept.
func decodeObject(payload []byte, target any) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("payload is not a JSON object")
	}
	return json.Unmarshal(trimmed, target)
}

// commandTag returns the command string, or the raw JSON text and false when
// the tag is absent or not a string.
func commandTag(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "null", false
	}
	var command string
	if err := json.Unmarshal(raw, &command); err != nil || bytes.Equal(raw, []byte("null")) {
		return string(raw), false
	}
	return command, true
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
