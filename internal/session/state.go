// Package session keeps per-browser authentication state in the server-side
// fiber session. The state is a closed set of variants stored as one JSON
// value, so a request is always exactly one of anonymous, awaiting a second
// factor, or authenticated.
package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Kind string

const (
	KindAnonymous        Kind = "anonymous"
	KindPendingTwoFactor Kind = "pending_2fa"
	KindAuthenticated    Kind = "authenticated"
)

type State interface {
	Kind() Kind
}

type Anonymous struct{}

func (Anonymous) Kind() Kind { return KindAnonymous }

// PendingTwoFactor is held between a successful password check and a
// successful code verification. Attempts counts failed codes in this session.
type PendingTwoFactor struct {
	UserID     uuid.UUID
	Backend    string
	RedirectTo string
	Attempts   int
}

func (PendingTwoFactor) Kind() Kind { return KindPendingTwoFactor }

type Authenticated struct {
	UserID  uuid.UUID
	Backend string
}

func (Authenticated) Kind() Kind { return KindAuthenticated }

var ErrUnknownKind = errors.New("unknown session state kind")

type envelope struct {
	Kind       Kind      `json:"kind"`
	UserID     uuid.UUID `json:"userID,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	RedirectTo string    `json:"redirectTo,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
}

func Encode(state State) (string, error) {
	var env envelope
	switch s := state.(type) {
	case nil, Anonymous:
		env.Kind = KindAnonymous
	case PendingTwoFactor:
		env = envelope{Kind: KindPendingTwoFactor, UserID: s.UserID, Backend: s.Backend, RedirectTo: s.RedirectTo, Attempts: s.Attempts}
	case Authenticated:
		env = envelope{Kind: KindAuthenticated, UserID: s.UserID, Backend: s.Backend}
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownKind, state)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func Decode(raw string) (State, error) {
	if raw == "" {
		return Anonymous{}, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Anonymous{}, err
	}

	switch env.Kind {
	case KindAnonymous:
		return Anonymous{}, nil
	case KindPendingTwoFactor:
		if env.UserID == uuid.Nil {
			return Anonymous{}, errors.New("pending state without user")
		}
		return PendingTwoFactor{UserID: env.UserID, Backend: env.Backend, RedirectTo: env.RedirectTo, Attempts: env.Attempts}, nil
	case KindAuthenticated:
		if env.UserID == uuid.Nil {
			return Anonymous{}, errors.New("authenticated state without user")
		}
		return Authenticated{UserID: env.UserID, Backend: env.Backend}, nil
	default:
		return Anonymous{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}
