package contact

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
)

// MemoryStore is an in-process ContactStore
type MemoryStore struct {
	mu       sync.RWMutex
	contacts map[string]*models.Contact
	seq      int64
	now      func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used to stamp created/updated times
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		contacts: make(map[string]*models.Contact),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert stores c as-is, assigning an id and sequence when missing
func (s *MemoryStore) Insert(c models.Contact) models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.seq++
	c.Seq = s.seq

	stored := c
	s.contacts[c.ID] = &stored
	return stored
}

// All returns every stored contact, deleted ones included, in insertion order
func (s *MemoryStore) All() []models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *MemoryStore) FindByEmailOrPhone(ctx context.Context, email, phone string) ([]models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.filter(func(c *models.Contact) bool {
		return (email != "" && c.EmailValue() == email) || (phone != "" && c.PhoneValue() == phone)
	}), nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok || c.IsDeleted() {
		return nil, fmt.Errorf("contact %s: %w", id, reconcile.ErrNotFound)
	}
	found := *c
	return &found, nil
}

func (s *MemoryStore) FindCluster(ctx context.Context, primaryID string) ([]models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.filter(func(c *models.Contact) bool {
		return c.ID == primaryID || (c.LinkedID != nil && *c.LinkedID == primaryID)
	}), nil
}

func (s *MemoryStore) Create(ctx context.Context, email, phone string, precedence models.LinkPrecedence, linkedID *string) (*models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !precedence.Valid() {
		return nil, fmt.Errorf("invalid link precedence %q", precedence)
	}

	c := s.Insert(models.Contact{
		Email:          models.StringPtr(email),
		PhoneNumber:    models.StringPtr(phone),
		LinkPrecedence: precedence,
		LinkedID:       copyPtr(linkedID),
	})
	return &c, nil
}

func (s *MemoryStore) UpdatePrecedence(ctx context.Context, id string, precedence models.LinkPrecedence, linkedID *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.IsDeleted() {
		return fmt.Errorf("contact %s: %w", id, reconcile.ErrNotFound)
	}
	c.LinkPrecedence = precedence
	c.LinkedID = copyPtr(linkedID)
	c.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RelinkCluster(ctx context.Context, fromPrimaryID, toPrimaryID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var moved int64
	for _, c := range s.contacts {
		if c.IsDeleted() || c.LinkedID == nil || *c.LinkedID != fromPrimaryID {
			continue
		}
		to := toPrimaryID
		c.LinkedID = &to
		c.UpdatedAt = now
		moved++
	}
	return moved, nil
}

// filter returns matching live contacts ordered by created time, then insertion
func (s *MemoryStore) filter(match func(*models.Contact) bool) []models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Contact, 0)
	for _, c := range s.contacts {
		if c.IsDeleted() || !match(c) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func copyPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
