package escalation

import "time"

// State is the escalation funnel stage of an international case.
type State string

const (
	StatePendingReview     State = "pending_review"
	StateInFunnel          State = "in_funnel"
	StateAssignedPreferred State = "assigned_preferred"
	StateAssignedPanel     State = "assigned_panel"
	StateInAuction         State = "in_auction"
	StateAssignedAuction   State = "assigned_auction"
	StateRejected          State = "rejected"
	StateCompleted         State = "completed"
)

// Response is a partner's answer to an offer.
type Response string

const (
	ResponsePending  Response = "pending"
	ResponseAccepted Response = "accepted"
	ResponseDeclined Response = "declined"
)

// InternationalCase is the superset record for a cross-border, high-value
// case moving through the escalation funnel. Created once by promotion;
// append-only with respect to its history until a terminal state.
type InternationalCase struct {
	CaseID               string
	FundingAmount        int64
	MinimumAmount        int64
	Jurisdictions        []string
	EscalationState      State
	PreferredPartnerID   *string
	PreferredResponse    *Response
	PreferredRespondedAt *time.Time
	AuctionStartedAt     *time.Time
	AuctionEndsAt        *time.Time
	WinningBidID         *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PanelResponse tracks one panel member's answer for a case.
type PanelResponse struct {
	ID          string
	CaseID      string
	PartnerID   string
	Response    Response
	RespondedAt *time.Time
	CreatedAt   time.Time
}
