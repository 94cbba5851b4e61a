// Package protocol implements jetstream's framed JSON protocol messages
// with index/reply correlation. Message is a tagged variant over a
// closed set of kinds: one flat struct with type-specific optional
// fields, dispatched on Type, rather than a type hierarchy.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/uber/jetstream-go/fragment"
)

// Type is the closed set of message kinds.
type Type string

const (
	TypeSessionCreate         Type = "SessionCreate"
	TypeSessionCreateResponse Type = "SessionCreateResponse"
	TypeScopeFetch            Type = "ScopeFetch"
	TypeScopeState            Type = "ScopeState"
	TypeScopeSync             Type = "ScopeSync"
	TypePing                  Type = "Ping"
	TypeReply                 Type = "Reply"
)

// ProtocolVersion is the SessionCreate version advertised on the wire.
const ProtocolVersion = "0.1.0"

// ReplyError is the structured error a ScopeFetch reply carries on
// failure.
type ReplyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Message is the union of every wire shape. Every message has Type and
// Index; the remaining fields are populated per Type and otherwise left
// zero/omitted.
type Message struct {
	Type  Type  `json:"type"`
	Index int64 `json:"index"`

	// SessionCreate
	Version string `json:"version,omitempty"`

	// SessionCreateResponse
	Success      *bool  `json:"success,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`

	// ScopeFetch
	Name   string         `json:"name,omitempty"`
	Params map[string]any `json:"params,omitempty"`

	// Reply / ScopeFetch reply (type == Reply or SessionCreateResponse)
	ReplyTo    int64       `json:"replyTo,omitempty"`
	Result     *bool       `json:"result,omitempty"`
	ScopeIndex *int        `json:"scopeIndex,omitempty"`
	Error      *ReplyError `json:"error,omitempty"`
	Payload    any         `json:"payload,omitempty"`

	// ScopeState / ScopeSync
	RootFragment  *fragment.Fragment  `json:"rootFragment,omitempty"`
	SyncFragments []fragment.Fragment `json:"syncFragments,omitempty"`

	// Ping
	Ack           int64 `json:"ack,omitempty"`
	ResendMissing bool  `json:"resendMissing,omitempty"`
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

// NewSessionCreate builds the handshake-opening message.
func NewSessionCreate(index int64) Message {
	return Message{Type: TypeSessionCreate, Index: index, Version: ProtocolVersion}
}

// NewSessionCreateResponse builds a handshake reply. token is ignored
// when success is false.
func NewSessionCreateResponse(replyTo int64, success bool, token string) Message {
	m := Message{Type: TypeSessionCreateResponse, ReplyTo: replyTo, Success: boolPtr(success)}
	if success {
		m.SessionToken = token
	}
	return m
}

// NewScopeFetch builds a request to attach a named scope.
func NewScopeFetch(index int64, name string, params map[string]any) Message {
	return Message{Type: TypeScopeFetch, Index: index, Name: name, Params: params}
}

// NewScopeFetchSuccess builds a successful ScopeFetch reply.
func NewScopeFetchSuccess(replyTo int64, scopeIndex int) Message {
	return Message{Type: TypeReply, ReplyTo: replyTo, Result: boolPtr(true), ScopeIndex: intPtr(scopeIndex)}
}

// NewScopeFetchFailure builds a failed ScopeFetch reply.
func NewScopeFetchFailure(replyTo int64, code int, msg string) Message {
	return Message{Type: TypeReply, ReplyTo: replyTo, Result: boolPtr(false), Error: &ReplyError{Code: code, Message: msg}}
}

// NewScopeState builds a full-state dump message.
func NewScopeState(index int64, scopeIndex int, root fragment.Fragment, syncs []fragment.Fragment) Message {
	return Message{
		Type:          TypeScopeState,
		Index:         index,
		ScopeIndex:    intPtr(scopeIndex),
		RootFragment:  &root,
		SyncFragments: syncs,
	}
}

// NewScopeSync builds an incremental fragment-batch message.
func NewScopeSync(index int64, scopeIndex int, syncs []fragment.Fragment) Message {
	return Message{Type: TypeScopeSync, Index: index, ScopeIndex: intPtr(scopeIndex), SyncFragments: syncs}
}

// NewPing builds a keep-alive/ack message.
func NewPing(index int64, ack int64, resendMissing bool) Message {
	return Message{Type: TypePing, Index: index, Ack: ack, ResendMissing: resendMissing}
}

// Encode marshals a single message to its JSON wire form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// EncodeBatch marshals multiple messages as a JSON array batch.
func EncodeBatch(ms []Message) ([]byte, error) {
	return json.Marshal(ms)
}

// DecodeBatch parses a wire payload: either a single JSON object or a
// JSON array of objects, treated as a batch.
func DecodeBatch(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("protocol: empty message payload")
	}
	if trimmed[0] == '[' {
		var batch []Message
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("protocol: decoding batch: %w", err)
		}
		return batch, nil
	}
	var single Message
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("protocol: decoding message: %w", err)
	}
	return []Message{single}, nil
}
