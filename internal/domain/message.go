package domain

import "encoding/json"

// SignalKind is the payload kind of a SignalMessage.
type SignalKind string

const (
	KindOffer     SignalKind = "offer"
	KindAnswer    SignalKind = "answer"
	KindCandidate SignalKind = "ice-candidate"
	KindReady     SignalKind = "ready"
	KindRPC       SignalKind = "rpc"
)

const TypeReady = "ready"

// Hello is the mandatory first frame on a relay connection.
type Hello struct {
	ID Identity `json:"id"`
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICE struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalMessage is relayed exactly once and never persisted.
type SignalMessage struct {
	From Identity        `json:"from,omitempty"`
	To   Identity        `json:"to,omitempty"`
	Type string          `json:"type,omitempty"`
	SDP  *SDP            `json:"sdp,omitempty"`
	ICE  *ICE            `json:"ice,omitempty"`
	RPC  json.RawMessage `json:"rpc,omitempty"`
}

// Kind reports what the message carries; empty for unknown payloads.
func (m SignalMessage) Kind() SignalKind {
	switch {
	case m.Type == TypeReady:
		return KindReady
	case m.SDP != nil && m.SDP.Type == "offer":
		return KindOffer
	case m.SDP != nil && m.SDP.Type == "answer":
		return KindAnswer
	case m.ICE != nil:
		return KindCandidate
	case len(m.RPC) > 0:
		return KindRPC
	}
	return ""
}
