package reconcile

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ContactStore is the persistence contract the engine runs against. Every read ignores
// deleted contacts and returns them ordered by creation time, insertion order breaking ties.
type ContactStore interface {
	// FindByEmailOrPhone returns contacts whose email equals email or whose phone equals
	// phone. An empty argument matches nothing.
	FindByEmailOrPhone(ctx context.Context, email, phone string) ([]models.Contact, error)
	// FindByID returns ErrNotFound when the contact is missing or deleted
	FindByID(ctx context.Context, id string) (*models.Contact, error)
	// FindCluster returns the primary and every contact linked to it
	FindCluster(ctx context.Context, primaryID string) ([]models.Contact, error)
	Create(ctx context.Context, email, phone string, precedence models.LinkPrecedence, linkedID *string) (*models.Contact, error)
	UpdatePrecedence(ctx context.Context, id string, precedence models.LinkPrecedence, linkedID *string) error
	// RelinkCluster points every contact linked to fromPrimaryID at toPrimaryID and
	// returns how many were moved
	RelinkCluster(ctx context.Context, fromPrimaryID, toPrimaryID string) (int64, error)
}

// Transactor is implemented by stores that can run a sequence of calls atomically. The
// transaction travels on the context handed to fn.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker serializes reconciliations that touch the same keys. Acquire blocks until all
// keys are held, in the order given, or fails having released whatever it took.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (func(context.Context) error, error)
}
