// Package command runs named remote-invocable operations between session
// endpoints: immediate acknowledgement, detached execution, and a separate
// completion notification back to the caller.
package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Intercom/internal/domain"
)

type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindChunk    Kind = "chunk"
)

// Envelope is the wire unit exchanged between dispatchers and callers.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	From    domain.Identity `json:"from,omitempty"`
	To      domain.Identity `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Chunk fields.
	Topic string `json:"topic,omitempty"`
	Seq   int    `json:"seq,omitempty"`
	Final bool   `json:"final,omitempty"`
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

var (
	errMissingKind   = errors.New("command: missing envelope kind")
	errMissingID     = errors.New("command: missing envelope id")
	errMissingMethod = errors.New("command: request without method")
)

func (e Envelope) Validate() error {
	switch e.Kind {
	case KindRequest:
		if e.Method == "" {
			return errMissingMethod
		}
	case KindResponse, KindChunk:
	case "":
		return errMissingKind
	default:
		return fmt.Errorf("command: unknown envelope kind %q", e.Kind)
	}
	if e.ID == "" {
		return errMissingID
	}
	return nil
}

func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("command: decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Ack is the immediate reply to an invocation, encoded as {"ok": bool, ...}.
type Ack struct {
	OK    bool
	Error string
	Data  map[string]any
}

func OK(data map[string]any) Ack { return Ack{OK: true, Data: data} }

func Fail(err error) Ack { return Ack{OK: false, Error: err.Error()} }

func (a Ack) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(a.Data)+2)
	for k, v := range a.Data {
		m[k] = v
	}
	m["ok"] = a.OK
	if a.Error != "" {
		m["error"] = a.Error
	}
	return json.Marshal(m)
}

func (a *Ack) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	ok, _ := m["ok"].(bool)
	msg, _ := m["error"].(string)
	delete(m, "ok")
	delete(m, "error")
	a.OK, a.Error = ok, msg
	a.Data = nil
	if len(m) > 0 {
		a.Data = m
	}
	return nil
}

// Invocation is one received call of a registered method.
type Invocation struct {
	ID      string
	Method  string
	Caller  domain.Identity
	Payload json.RawMessage
}

// Bind decodes the invocation payload into v.
func (inv Invocation) Bind(v any) error {
	if len(inv.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(inv.Payload, v)
}
