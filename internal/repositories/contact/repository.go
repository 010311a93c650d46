// Package contact persists contacts for the reconciliation engine
package contact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "contacts"

var columns = []string{
	"id", "email", "phone_number", "link_precedence", "linked_id",
	"created_at", "updated_at", "deleted_at", "seq",
}

// Repository handles contact persistence in PostgreSQL
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new contact repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// WithinTx runs fn in a transaction; every repository call made with the context passed
// to fn joins it
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.WithinTx")
	defer span.End()

	return r.db.WithinTx(ctx, &sql.TxOptions{}, fn)
}

// FindByEmailOrPhone returns live contacts matching either signal, oldest first
func (r *Repository) FindByEmailOrPhone(ctx context.Context, email, phone string) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByEmailOrPhone")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)

	var signals []string
	if email != "" {
		signals = append(signals, sb.Equal("email", email))
	}
	if phone != "" {
		signals = append(signals, sb.Equal("phone_number", phone))
	}
	if len(signals) == 0 {
		return []models.Contact{}, nil
	}

	sb.Where(sb.Or(signals...), sb.IsNull("deleted_at"))
	sb.OrderBy("created_at", "seq").Asc()

	return r.selectContacts(ctx, sb, "find contacts by email or phone")
}

// FindByID returns a live contact or reconcile.ErrNotFound
func (r *Repository) FindByID(ctx context.Context, id string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByID")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("contact %s: %w", id, reconcile.ErrNotFound)
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id), sb.IsNull("deleted_at"))

	query, args := sb.Build()
	var contact models.Contact
	if err := r.db.Conn(ctx).GetContext(ctx, &contact, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contact %s: %w", id, reconcile.ErrNotFound)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("contact_id", id).Error("Failed to get contact")
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}

	return &contact, nil
}

// FindCluster returns the primary and every live contact linked to it, oldest first
func (r *Repository) FindCluster(ctx context.Context, primaryID string) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindCluster")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Or(sb.Equal("id", primaryID), sb.Equal("linked_id", primaryID)),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("created_at", "seq").Asc()

	return r.selectContacts(ctx, sb, "find contact cluster")
}

// Create inserts a contact. Empty email or phone are stored as NULL.
func (r *Repository) Create(ctx context.Context, email, phone string, precedence models.LinkPrecedence, linkedID *string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Create")
	defer span.End()

	if !precedence.Valid() {
		return nil, fmt.Errorf("invalid link precedence %q", precedence)
	}

	now := time.Now().UTC()
	contact := models.Contact{
		ID:             uuid.New().String(),
		Email:          models.StringPtr(email),
		PhoneNumber:    models.StringPtr(phone),
		LinkPrecedence: precedence,
		LinkedID:       linkedID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("id", "email", "phone_number", "link_precedence", "linked_id", "created_at", "updated_at")
	ib.Values(contact.ID, contact.Email, contact.PhoneNumber, string(contact.LinkPrecedence), contact.LinkedID, contact.CreatedAt, contact.UpdatedAt)
	ib.Returning("seq")

	query, args := ib.Build()
	if err := r.db.Conn(ctx).GetContext(ctx, &contact.Seq, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"link_precedence": precedence,
		}).Error("Failed to create contact")
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"contact_id":      contact.ID,
		"link_precedence": contact.LinkPrecedence,
	}).Debug("Created contact")
	return &contact, nil
}

// UpdatePrecedence rewrites a contact's precedence and link
func (r *Repository) UpdatePrecedence(ctx context.Context, id string, precedence models.LinkPrecedence, linkedID *string) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.UpdatePrecedence")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("link_precedence", string(precedence)),
		ub.Assign("linked_id", linkedID),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", id), ub.IsNull("deleted_at"))

	query, args := ub.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("contact_id", id).Error("Failed to update contact precedence")
		return fmt.Errorf("failed to update contact precedence: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("contact %s: %w", id, reconcile.ErrNotFound)
	}
	return nil
}

// RelinkCluster re-points every live contact linked to fromPrimaryID at toPrimaryID
func (r *Repository) RelinkCluster(ctx context.Context, fromPrimaryID, toPrimaryID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.RelinkCluster")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("linked_id", toPrimaryID),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("linked_id", fromPrimaryID), ub.IsNull("deleted_at"))

	query, args := ub.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"from_primary_id": fromPrimaryID,
			"to_primary_id":   toPrimaryID,
		}).Error("Failed to relink cluster")
		return 0, fmt.Errorf("failed to relink cluster: %w", err)
	}

	return result.RowsAffected()
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) selectContacts(ctx context.Context, sb *sqlbuilder.SelectBuilder, op string) ([]models.Contact, error) {
	query, args := sb.Build()
	contacts := make([]models.Contact, 0)
	if err := r.db.Conn(ctx).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to %s", op)
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return contacts, nil
}
