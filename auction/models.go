package auction

import "time"

type BidStatus string

const (
	BidStatusPending  BidStatus = "pending"
	BidStatusAccepted BidStatus = "accepted"
	BidStatusRejected BidStatus = "rejected"
)

// Bid is a partner's offer during an active auction window. Immutable once
// the auction closes, except for status, which winner selection sets exactly
// once.
type Bid struct {
	ID                    string
	CaseID                string
	PartnerID             string
	Amount                int64
	FeePercent            float64
	EstimatedDurationDays int
	Status                BidStatus
	IdempotencyKey        *string
	SubmittedAt           time.Time
}
