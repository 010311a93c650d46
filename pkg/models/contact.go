package models

import (
	"time"
)

// LinkPrecedence marks whether a contact anchors its cluster or hangs off one
type LinkPrecedence string

const (
	// LinkPrecedencePrimary is the canonical, oldest anchor of a cluster
	LinkPrecedencePrimary LinkPrecedence = "primary"
	// LinkPrecedenceSecondary is linked directly to its cluster's primary
	LinkPrecedenceSecondary LinkPrecedence = "secondary"
)

// Valid reports whether p is a known precedence
func (p LinkPrecedence) Valid() bool {
	return p == LinkPrecedencePrimary || p == LinkPrecedenceSecondary
}

// Contact is a single observed email/phone record
type Contact struct {
	ID             string         `json:"id" db:"id"`
	Email          *string        `json:"email,omitempty" db:"email"`
	PhoneNumber    *string        `json:"phoneNumber,omitempty" db:"phone_number"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence" db:"link_precedence"`
	LinkedID       *string        `json:"linkedId,omitempty" db:"linked_id"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty" db:"deleted_at"`
	Seq            int64          `json:"-" db:"seq"`
}

// IsPrimary reports whether the contact currently anchors a cluster
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrecedencePrimary
}

// IsDeleted reports whether the contact has been excluded
func (c *Contact) IsDeleted() bool {
	return c.DeletedAt != nil
}

// EmailValue returns the email or "" when absent
func (c *Contact) EmailValue() string {
	if c.Email == nil {
		return ""
	}
	return *c.Email
}

// PhoneValue returns the phone number or "" when absent
func (c *Contact) PhoneValue() string {
	if c.PhoneNumber == nil {
		return ""
	}
	return *c.PhoneNumber
}

// ClusterID returns the id of the primary this contact belongs to
func (c *Contact) ClusterID() string {
	if c.LinkedID != nil && *c.LinkedID != "" {
		return *c.LinkedID
	}
	return c.ID
}

// ConsolidatedContact is the aggregated view of one identity cluster
type ConsolidatedContact struct {
	PrimaryContactID    string   `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []string `json:"secondaryContactIds"`
}

// IdentifyResponse wraps the consolidated view as returned to callers
type IdentifyResponse struct {
	Contact *ConsolidatedContact `json:"contact"`
}

// StringPtr returns nil for an empty string, otherwise a pointer to it
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
