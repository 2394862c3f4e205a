// Package server provides the websocket relay that terminal, automation and
// canvas peers connect to. It resolves each connection's role from its first
// message, drives the PTY owned by terminal peers, keeps the shared canvas
// snapshot, and relays automation commands to canvas peers.
package server

import (
	"encoding/json"

	"github.com/glowus/relay/internal/canvas"
	apperrors "github.com/glowus/relay/internal/errors"
)

// MessageType identifies the kind of message carried in the "type" field of
// every frame. The set is closed: DecodeMessage rejects any other value.
type MessageType string

const (
	// MessageTypeMCPConnect is the automation peer handshake.
	// Payload: none
	MessageTypeMCPConnect MessageType = "mcp-connect"

	// MessageTypeFrontendConnect is the canvas peer handshake.
	// Payload: none
	MessageTypeFrontendConnect MessageType = "frontend-connect"

	// MessageTypeInit is the terminal handshake.
	// Payload: InitMessage
	MessageTypeInit MessageType = "init"

	// MessageTypeInput carries keystrokes for the PTY.
	// Payload: InputMessage
	MessageTypeInput MessageType = "input"

	// MessageTypeResize changes the PTY geometry. No acknowledgement is sent.
	// Payload: ResizeMessage
	MessageTypeResize MessageType = "resize"

	// MessageTypeSetCwd asks the shell to cd into a directory.
	// Payload: SetCwdMessage
	MessageTypeSetCwd MessageType = "set-cwd"

	// MessageTypeGetCwd asks for the shell's working directory.
	// Payload: none
	MessageTypeGetCwd MessageType = "get-cwd"

	// MessageTypePing is an application-level keepalive.
	MessageTypePing MessageType = "ping"

	// MessageTypePong answers MessageTypePing.
	MessageTypePong MessageType = "pong"

	// MessageTypeOutput carries one chunk of PTY output.
	// Payload: OutputMessage
	MessageTypeOutput MessageType = "output"

	// MessageTypeShellInfo is sent once when a terminal peer is committed.
	// Payload: ShellInfoMessage
	MessageTypeShellInfo MessageType = "shell-info"

	// MessageTypeCwdUpdate answers set-cwd and get-cwd.
	// Payload: CwdUpdateMessage
	MessageTypeCwdUpdate MessageType = "cwd-update"

	// MessageTypeExit reports that the PTY child ended or failed to start.
	// The server closes the connection right after it.
	// Payload: ExitMessage
	MessageTypeExit MessageType = "exit"

	// MessageTypeCanvasStateUpdate replaces the shared canvas snapshot.
	// Payload: CanvasStateUpdateMessage
	MessageTypeCanvasStateUpdate MessageType = "canvas-state-update"

	// MessageTypeCanvasState delivers the snapshot to the automation peer.
	// Payload: CanvasStateMessage
	MessageTypeCanvasState MessageType = "canvas-state"

	// MessageTypeGetCanvasState asks for the current snapshot.
	MessageTypeGetCanvasState MessageType = "get-canvas-state"

	// MessageTypeMCPCommand is an automation command for the canvas peers.
	// Payload: MCPCommandMessage
	MessageTypeMCPCommand MessageType = "mcp-command"

	// MessageTypeMCPResponse is a reply to an mcp-command.
	// Payload: MCPResponseMessage
	MessageTypeMCPResponse MessageType = "mcp-response"

	// Canvas mutation notifications, forwarded verbatim to the automation peer.
	MessageTypeNodeCreated MessageType = "node-created"
	MessageTypeNodeDeleted MessageType = "node-deleted"
	MessageTypeEdgeCreated MessageType = "edge-created"
)

// Message is one decoded inbound frame. Every concrete type below implements
// it; a type switch over Message is the dispatch.
type Message interface {
	MessageType() MessageType
}

// MCPConnectMessage is the automation handshake.
type MCPConnectMessage struct{}

// FrontendConnectMessage is the canvas handshake.
type FrontendConnectMessage struct{}

// InitMessage is the terminal handshake. Zero values select the defaults.
type InitMessage struct {
	Cwd  string `json:"cwd,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// InputMessage is written verbatim to the PTY.
type InputMessage struct {
	Data string `json:"data"`
}

// ResizeMessage sets the PTY window size.
type ResizeMessage struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// SetCwdMessage asks the shell to change directory.
type SetCwdMessage struct {
	Cwd string `json:"cwd"`
}

// GetCwdMessage asks for the current directory.
type GetCwdMessage struct{}

// PingMessage asks for a pong.
type PingMessage struct{}

// CanvasStateUpdateMessage carries a full canvas snapshot from a canvas peer.
type CanvasStateUpdateMessage struct {
	canvas.State
}

// GetCanvasStateMessage asks for the current canvas snapshot.
type GetCanvasStateMessage struct{}

// MCPCommandMessage is a command the automation peer wants the canvas peers
// to execute. Params are opaque to the relay.
type MCPCommandMessage struct {
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID string          `json:"requestId"`
}

// MCPResponseMessage is the reply to an MCPCommandMessage.
type MCPResponseMessage struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// CanvasEventMessage is a node or edge notification from a canvas peer. Its
// body is never decoded; the relay forwards the original frame.
type CanvasEventMessage struct {
	Type MessageType
}

func (MCPConnectMessage) MessageType() MessageType        { return MessageTypeMCPConnect }
func (FrontendConnectMessage) MessageType() MessageType   { return MessageTypeFrontendConnect }
func (InitMessage) MessageType() MessageType              { return MessageTypeInit }
func (InputMessage) MessageType() MessageType             { return MessageTypeInput }
func (ResizeMessage) MessageType() MessageType            { return MessageTypeResize }
func (SetCwdMessage) MessageType() MessageType            { return MessageTypeSetCwd }
func (GetCwdMessage) MessageType() MessageType            { return MessageTypeGetCwd }
func (PingMessage) MessageType() MessageType              { return MessageTypePing }
func (CanvasStateUpdateMessage) MessageType() MessageType { return MessageTypeCanvasStateUpdate }
func (GetCanvasStateMessage) MessageType() MessageType    { return MessageTypeGetCanvasState }
func (MCPCommandMessage) MessageType() MessageType        { return MessageTypeMCPCommand }
func (MCPResponseMessage) MessageType() MessageType       { return MessageTypeMCPResponse }
func (m CanvasEventMessage) MessageType() MessageType     { return m.Type }

// DecodeMessage parses one inbound frame into its concrete Message type.
//
// It returns a server.invalid_message error for data that is not a JSON
// object, has no type, or whose payload does not fit the type, and a
// server.unknown_type error for a tag outside the protocol.
func DecodeMessage(data []byte) (Message, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, apperrors.InvalidMessage("not a JSON object", err)
	}

	var msg Message
	switch envelope.Type {
	case "":
		return nil, apperrors.InvalidMessage("missing type", nil)
	case MessageTypeMCPConnect:
		return MCPConnectMessage{}, nil
	case MessageTypeFrontendConnect:
		return FrontendConnectMessage{}, nil
	case MessageTypeGetCwd:
		return GetCwdMessage{}, nil
	case MessageTypePing:
		return PingMessage{}, nil
	case MessageTypeGetCanvasState:
		return GetCanvasStateMessage{}, nil
	case MessageTypeNodeCreated, MessageTypeNodeDeleted, MessageTypeEdgeCreated:
		return CanvasEventMessage{Type: envelope.Type}, nil
	case MessageTypeInit:
		msg = &InitMessage{}
	case MessageTypeInput:
		msg = &InputMessage{}
	case MessageTypeResize:
		msg = &ResizeMessage{}
	case MessageTypeSetCwd:
		msg = &SetCwdMessage{}
	case MessageTypeCanvasStateUpdate:
		msg = &CanvasStateUpdateMessage{}
	case MessageTypeMCPCommand:
		msg = &MCPCommandMessage{}
	case MessageTypeMCPResponse:
		msg = &MCPResponseMessage{}
	default:
		return nil, apperrors.UnknownType(string(envelope.Type))
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, apperrors.InvalidMessage("bad "+string(envelope.Type)+" payload", err)
	}

	// Hand out values so handlers switch on value types only.
	switch m := msg.(type) {
	case *InitMessage:
		return *m, nil
	case *InputMessage:
		return *m, nil
	case *ResizeMessage:
		return *m, nil
	case *SetCwdMessage:
		return *m, nil
	case *CanvasStateUpdateMessage:
		return *m, nil
	case *MCPCommandMessage:
		return *m, nil
	case *MCPResponseMessage:
		return *m, nil
	}
	return msg, nil
}

// ErrorPayload describes why a terminal could not be started.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type MessageType `json:"type"`
}

// OutputMessage carries one chunk of PTY output.
type OutputMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

// ShellInfoMessage describes the spawned shell.
type ShellInfoMessage struct {
	Type  MessageType `json:"type"`
	Shell string      `json:"shell"`
	Cwd   string      `json:"cwd"`
	Pid   int         `json:"pid"`
}

// CwdUpdateMessage reports the shell's working directory.
type CwdUpdateMessage struct {
	Type MessageType `json:"type"`
	Cwd  string      `json:"cwd"`
}

// ExitMessage reports the end of the PTY child. Signal is null for a normal
// exit. Error is set only when the shell could not be started.
type ExitMessage struct {
	Type     MessageType   `json:"type"`
	ExitCode int           `json:"exitCode"`
	Signal   *int          `json:"signal"`
	Error    *ErrorPayload `json:"error,omitempty"`
}

// CanvasStateMessage delivers a canvas snapshot.
type CanvasStateMessage struct {
	Type MessageType `json:"type"`
	canvas.State
}

// NewPongMessage creates a pong reply.
func NewPongMessage() PongMessage {
	return PongMessage{Type: MessageTypePong}
}

// NewOutputMessage wraps a PTY output chunk.
func NewOutputMessage(data string) OutputMessage {
	return OutputMessage{Type: MessageTypeOutput, Data: data}
}

// NewShellInfoMessage creates the message sent on terminal commitment.
func NewShellInfoMessage(shell, cwd string, pid int) ShellInfoMessage {
	return ShellInfoMessage{Type: MessageTypeShellInfo, Shell: shell, Cwd: cwd, Pid: pid}
}

// NewCwdUpdateMessage creates a cwd-update reply.
func NewCwdUpdateMessage(cwd string) CwdUpdateMessage {
	return CwdUpdateMessage{Type: MessageTypeCwdUpdate, Cwd: cwd}
}

// NewExitMessage creates the exit notification for a child that ran.
func NewExitMessage(exitCode int, signal *int) ExitMessage {
	return ExitMessage{Type: MessageTypeExit, ExitCode: exitCode, Signal: signal}
}

// NewSpawnFailedMessage creates the exit notification for a shell that never
// started: exit code -1, no signal, and the coded error.
func NewSpawnFailedMessage(err error) ExitMessage {
	code, message := apperrors.ToCodeAndMessage(err)
	return ExitMessage{
		Type:     MessageTypeExit,
		ExitCode: -1,
		Error:    &ErrorPayload{Code: code, Message: message},
	}
}

// NewCanvasStateMessage wraps a snapshot for delivery.
func NewCanvasStateMessage(state canvas.State) CanvasStateMessage {
	return CanvasStateMessage{Type: MessageTypeCanvasState, State: state.Clone()}
}

// withRequestID returns frame with its requestId field set to id. Every other
// field of the frame is kept as received.
func withRequestID(frame []byte, id string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["requestId"] = encoded
	return json.Marshal(fields)
}
