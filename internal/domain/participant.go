// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
)

const MaxIdentityLen = 36

var (
	ErrIdentityTooLong = errors.New("identity too long")
	ErrIdentityEmpty   = errors.New("identity empty")
)

// Identity names a participant; unique within a session.
type Identity string

// Role is not symmetric: the initiator issues the offer.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleInitiator, RoleResponder:
		return Role(s), nil
	}
	return "", errors.New("unknown role " + s)
}

type Participant struct {
	Identity Identity `json:"identity"`
	Role     Role     `json:"role,omitempty"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id string, role Role) (*Participant, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, err
	}
	return &Participant{Identity: Identity(id), Role: role}, nil
}

func ValidateIdentity(id string) error {
	if len(id) == 0 {
		return ErrIdentityEmpty
	}
	if len(id) > MaxIdentityLen {
		return ErrIdentityTooLong
	}
	return nil
}
