package legalcase

import (
	"time"

	"lexbridge/access"
	"lexbridge/priority"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusAssigned Status = "assigned"
)

// Case is the authoritative case record. The engine annotates it with an
// exclusivity window at creation and flips it to assigned when an escalation
// stage resolves; everything else is owned by the intake surface.
type Case struct {
	ID                string
	CreatedByUserID   *string
	Complexity        priority.Complexity
	EstimatedBudget   int64
	Status            Status
	AssignedPartnerID *string
	ExclusiveUntil    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Filters narrows case listings. RequesterTier drives the read-time
// exclusivity projection; it never touches stored state.
type Filters struct {
	RequesterTier access.Tier
	Status        Status
	Complexity    priority.Complexity
	Page          int
	PageSize      int
}
