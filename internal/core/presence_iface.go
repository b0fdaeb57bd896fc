package core

import (
	"context"

	"github.com/dkeye/Intercom/internal/domain"
)

// Presence mirrors which identities are connected to the relay.
type Presence interface {
	Join(ctx context.Context, id domain.Identity) error
	Leave(ctx context.Context, id domain.Identity) error
	Members(ctx context.Context) ([]domain.Identity, error)
}
