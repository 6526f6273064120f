package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"lexbridge/config"
	"lexbridge/legalcase"
	"lexbridge/partner"
)

var (
	// ErrFundingBelowMinimum signals the promotion funding does not clear the
	// cross-border floor.
	ErrFundingBelowMinimum = errors.New("escalation: funding below cross-border minimum")
	// ErrNoJurisdictions signals promotion without an associated jurisdiction.
	ErrNoJurisdictions = errors.New("escalation: at least one jurisdiction required")
	// ErrInvalidTransition signals the operation is not permitted in the
	// case's current escalation state.
	ErrInvalidTransition = errors.New("escalation: invalid transition")
	// ErrNoPreferredPartner signals the registry has no preferred partner for
	// the case's jurisdictions; the operator should open the panel instead.
	ErrNoPreferredPartner = errors.New("escalation: no preferred partner for jurisdictions")
	// ErrPreferredAlreadyOffered signals the preferred-partner offer is
	// already outstanding or resolved.
	ErrPreferredAlreadyOffered = errors.New("escalation: preferred partner already offered")
	// ErrNoPreferredOffer signals a response arrived without an outstanding
	// offer.
	ErrNoPreferredOffer = errors.New("escalation: no outstanding preferred offer")
	// ErrPanelAlreadyOffered signals the panel stage has already been opened.
	ErrPanelAlreadyOffered = errors.New("escalation: panel already offered")
	// ErrNoPanelCandidates signals the registry could not staff a panel.
	ErrNoPanelCandidates = errors.New("escalation: no panel candidates for jurisdictions")
)

// PartnerRegistry is the read-only view of partner firms the funnel needs.
type PartnerRegistry interface {
	PreferredFor(ctx context.Context, jurisdictions []string) (partner.Firm, error)
	PanelFor(ctx context.Context, jurisdictions []string, excludeID string, size int) ([]partner.Firm, error)
}

// CaseWriter is the slice of the case repository the funnel mutates when a
// stage resolves.
type CaseWriter interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (legalcase.Case, error)
	Assign(ctx context.Context, tx pgx.Tx, id, partnerID string) (legalcase.Case, error)
}

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, caseID string, eventType string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service drives the escalation funnel. Every mutating operation runs in one
// transaction holding the case's row lock, so concurrent responses on the
// same case serialize and cases never interfere with each other.
type Service struct {
	pool     TxBeginner
	repo     Repository
	cases    CaseWriter
	partners PartnerRegistry
	timeline TimelineWriter
	outbox   OutboxWriter
	cfg      config.Config
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, cases CaseWriter, partners PartnerRegistry, cfg config.Config, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		cases:    cases,
		partners: partners,
		timeline: timeline,
		outbox:   outbox,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type PromoteParams struct {
	CaseID        string
	FundingAmount int64
	Jurisdictions []string
}

// Promote creates the international case record and moves it into the funnel.
// Validation failures never create partial state.
func (s *Service) Promote(ctx context.Context, params PromoteParams) (InternationalCase, error) {
	if params.CaseID == "" {
		return InternationalCase{}, fmt.Errorf("escalation: promote missing case id")
	}
	if params.FundingAmount <= s.cfg.MinCrossBorderFunding {
		return InternationalCase{}, ErrFundingBelowMinimum
	}
	jurisdictions := make([]string, 0, len(params.Jurisdictions))
	for _, j := range params.Jurisdictions {
		if trimmed := strings.TrimSpace(j); trimmed != "" {
			jurisdictions = append(jurisdictions, trimmed)
		}
	}
	if len(jurisdictions) == 0 {
		return InternationalCase{}, ErrNoJurisdictions
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.cases.GetForUpdate(ctx, tx, params.CaseID); err != nil {
		if errors.Is(err, legalcase.ErrNotFound) {
			return InternationalCase{}, ErrCaseNotFound
		}
		return InternationalCase{}, err
	}

	rec, err := s.repo.Create(ctx, tx, InternationalCase{
		CaseID:          params.CaseID,
		FundingAmount:   params.FundingAmount,
		MinimumAmount:   s.cfg.MinCrossBorderFunding,
		Jurisdictions:   jurisdictions,
		EscalationState: StateInFunnel,
	})
	if err != nil {
		return InternationalCase{}, err
	}

	if err := s.appendHistory(ctx, tx, rec.CaseID, "CASE_PROMOTED", "escalation.promoted", map[string]any{
		"case_id":        rec.CaseID,
		"funding_amount": rec.FundingAmount,
		"jurisdictions":  rec.Jurisdictions,
		"state":          rec.EscalationState,
	}); err != nil {
		return InternationalCase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: commit promote: %w", err)
	}
	return rec, nil
}

// OfferToPreferredPartner starts the first funnel stage: a single offer to
// the best-ranked preferred partner covering the case's jurisdictions.
func (s *Service) OfferToPreferredPartner(ctx context.Context, caseID string) (InternationalCase, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, caseID)
	if err != nil {
		return InternationalCase{}, err
	}
	if rec.EscalationState != StateInFunnel {
		return InternationalCase{}, fmt.Errorf("%w: offer preferred from %s", ErrInvalidTransition, rec.EscalationState)
	}
	if rec.PreferredResponse != nil {
		return InternationalCase{}, ErrPreferredAlreadyOffered
	}

	firm, err := s.partners.PreferredFor(ctx, rec.Jurisdictions)
	if err != nil {
		if errors.Is(err, partner.ErrNotFound) {
			return InternationalCase{}, ErrNoPreferredPartner
		}
		return InternationalCase{}, err
	}

	rec, err = s.repo.SetPreferredOffer(ctx, tx, caseID, firm.ID)
	if err != nil {
		return InternationalCase{}, err
	}

	if err := s.appendHistory(ctx, tx, caseID, "PREFERRED_OFFERED", "escalation.preferred_offered", map[string]any{
		"case_id":    caseID,
		"partner_id": firm.ID,
	}); err != nil {
		return InternationalCase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: commit preferred offer: %w", err)
	}
	return rec, nil
}

// RecordPreferredResponse resolves the preferred-partner stage. Acceptance
// assigns the case and terminates the funnel; decline widens to the panel in
// the same transaction.
func (s *Service) RecordPreferredResponse(ctx context.Context, caseID string, response Response) (InternationalCase, error) {
	if response != ResponseAccepted && response != ResponseDeclined {
		return InternationalCase{}, fmt.Errorf("escalation: invalid preferred response %q", response)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, caseID)
	if err != nil {
		return InternationalCase{}, err
	}
	if rec.EscalationState != StateInFunnel {
		return InternationalCase{}, fmt.Errorf("%w: preferred response in %s", ErrInvalidTransition, rec.EscalationState)
	}
	if rec.PreferredResponse == nil || *rec.PreferredResponse != ResponsePending {
		return InternationalCase{}, ErrNoPreferredOffer
	}

	now := s.now()
	rec, err = s.repo.SetPreferredResponse(ctx, tx, caseID, response, now)
	if err != nil {
		return InternationalCase{}, err
	}

	switch response {
	case ResponseAccepted:
		rec, err = s.assignTx(ctx, tx, rec, StateAssignedPreferred, *rec.PreferredPartnerID, "PREFERRED_ACCEPTED")
		if err != nil {
			return InternationalCase{}, err
		}
	case ResponseDeclined:
		if err := s.timelineAppend(ctx, tx, caseID, "PREFERRED_DECLINED", map[string]any{
			"case_id":    caseID,
			"partner_id": derefStr(rec.PreferredPartnerID),
		}); err != nil {
			return InternationalCase{}, err
		}
		if rec, err = s.offerPanelTx(ctx, tx, rec); err != nil {
			return InternationalCase{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: commit preferred response: %w", err)
	}
	return rec, nil
}

// OfferToPanel opens the fixed-panel stage explicitly. The funnel also opens
// it automatically when the preferred partner declines.
func (s *Service) OfferToPanel(ctx context.Context, caseID string) (InternationalCase, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, caseID)
	if err != nil {
		return InternationalCase{}, err
	}
	if rec.EscalationState != StateInFunnel {
		return InternationalCase{}, fmt.Errorf("%w: offer panel from %s", ErrInvalidTransition, rec.EscalationState)
	}

	existing, err := s.repo.ListPanelResponses(ctx, tx, caseID)
	if err != nil {
		return InternationalCase{}, err
	}
	if len(existing) > 0 {
		return InternationalCase{}, ErrPanelAlreadyOffered
	}

	if rec, err = s.offerPanelTx(ctx, tx, rec); err != nil {
		return InternationalCase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: commit panel offer: %w", err)
	}
	return rec, nil
}

// offerPanelTx staffs the panel from the registry and marks every member
// pending. Falls back to the auction when no candidate firm serves the
// case's jurisdictions.
func (s *Service) offerPanelTx(ctx context.Context, tx pgx.Tx, rec InternationalCase) (InternationalCase, error) {
	exclude := derefStr(rec.PreferredPartnerID)
	firms, err := s.partners.PanelFor(ctx, rec.Jurisdictions, exclude, s.cfg.PanelSize)
	if err != nil {
		return InternationalCase{}, err
	}
	if len(firms) == 0 {
		return s.openAuctionTx(ctx, tx, rec, s.cfg.DefaultAuctionDays)
	}

	ids := make([]string, 0, len(firms))
	for _, f := range firms {
		ids = append(ids, f.ID)
	}
	if err := s.repo.CreatePanelOffers(ctx, tx, rec.CaseID, ids); err != nil {
		return InternationalCase{}, err
	}

	if err := s.appendHistory(ctx, tx, rec.CaseID, "PANEL_OFFERED", "escalation.panel_offered", map[string]any{
		"case_id":     rec.CaseID,
		"partner_ids": ids,
	}); err != nil {
		return InternationalCase{}, err
	}
	return rec, nil
}

// RecordPanelResponse records one member's answer and re-evaluates the stage.
// The panel assigns to the first acceptance in response order, but only once
// all members have answered; a fully-declined panel falls back to the auction.
func (s *Service) RecordPanelResponse(ctx context.Context, caseID, partnerID string, response Response) (InternationalCase, error) {
	if response != ResponseAccepted && response != ResponseDeclined {
		return InternationalCase{}, fmt.Errorf("escalation: invalid panel response %q", response)
	}
	if partnerID == "" {
		return InternationalCase{}, fmt.Errorf("escalation: panel response missing partner id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, caseID)
	if err != nil {
		return InternationalCase{}, err
	}
	if rec.EscalationState != StateInFunnel {
		return InternationalCase{}, fmt.Errorf("%w: panel response in %s", ErrInvalidTransition, rec.EscalationState)
	}

	now := s.now()
	if _, err := s.repo.RecordPanelResponse(ctx, tx, caseID, partnerID, response, now); err != nil {
		return InternationalCase{}, err
	}

	if err := s.timelineAppend(ctx, tx, caseID, "PANEL_RESPONSE_RECORDED", map[string]any{
		"case_id":    caseID,
		"partner_id": partnerID,
		"response":   response,
	}); err != nil {
		return InternationalCase{}, err
	}

	responses, err := s.repo.ListPanelResponses(ctx, tx, caseID)
	if err != nil {
		return InternationalCase{}, err
	}

	winner, resolved := evaluatePanel(responses)
	if resolved {
		switch {
		case winner != "":
			if rec, err = s.assignTx(ctx, tx, rec, StateAssignedPanel, winner, "PANEL_ASSIGNED"); err != nil {
				return InternationalCase{}, err
			}
		default:
			if rec, err = s.openAuctionTx(ctx, tx, rec, s.cfg.DefaultAuctionDays); err != nil {
				return InternationalCase{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: commit panel response: %w", err)
	}
	return rec, nil
}

// evaluatePanel reports whether every member has answered and, if so, the
// first accepting partner in response order ("" when all declined). The stage
// never resolves on an early acceptance: assignment waits for the full panel,
// so a later answer with an earlier timestamp can still take the case.
func evaluatePanel(responses []PanelResponse) (winner string, resolved bool) {
	var winnerAt *time.Time
	for _, pr := range responses {
		if pr.Response == ResponsePending {
			return "", false
		}
		if pr.Response != ResponseAccepted || pr.RespondedAt == nil {
			continue
		}
		if winnerAt == nil || pr.RespondedAt.Before(*winnerAt) {
			winner = pr.PartnerID
			winnerAt = pr.RespondedAt
		}
	}
	return winner, len(responses) > 0
}

// StartAuction opens the time-boxed bidding stage. durationDays of zero uses
// the configured default.
func (s *Service) StartAuction(ctx context.Context, caseID string, durationDays int) (InternationalCase, error) {
	if durationDays < 0 {
		return InternationalCase{}, fmt.Errorf("escalation: invalid auction duration %d", durationDays)
	}
	if durationDays == 0 {
		durationDays = s.cfg.DefaultAuctionDays
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, caseID)
	if err != nil {
		return InternationalCase{}, err
	}
	if rec.EscalationState != StateInFunnel {
		return InternationalCase{}, fmt.Errorf("%w: start auction from %s", ErrInvalidTransition, rec.EscalationState)
	}

	if rec, err = s.openAuctionTx(ctx, tx, rec, durationDays); err != nil {
		return InternationalCase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: commit start auction: %w", err)
	}
	return rec, nil
}

func (s *Service) openAuctionTx(ctx context.Context, tx pgx.Tx, rec InternationalCase, durationDays int) (InternationalCase, error) {
	startedAt := s.now()
	endsAt := startedAt.Add(time.Duration(durationDays) * 24 * time.Hour)

	rec, err := s.repo.OpenAuction(ctx, tx, rec.CaseID, startedAt, endsAt)
	if err != nil {
		return InternationalCase{}, err
	}

	if err := s.appendHistory(ctx, tx, rec.CaseID, "AUCTION_STARTED", "escalation.auction_started", map[string]any{
		"case_id":  rec.CaseID,
		"ends_at":  endsAt.UTC(),
		"duration": durationDays,
	}); err != nil {
		return InternationalCase{}, err
	}
	return rec, nil
}

// Reject terminates a non-terminal case by explicit operator action.
func (s *Service) Reject(ctx context.Context, caseID string) (InternationalCase, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, caseID)
	if err != nil {
		return InternationalCase{}, err
	}
	if rec.EscalationState.IsTerminal() {
		return InternationalCase{}, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, rec.EscalationState)
	}

	rec, err = s.repo.UpdateState(ctx, tx, caseID, StateRejected)
	if err != nil {
		return InternationalCase{}, err
	}

	if err := s.appendHistory(ctx, tx, caseID, "CASE_REJECTED", "escalation.rejected", map[string]any{
		"case_id": caseID,
	}); err != nil {
		return InternationalCase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: commit reject: %w", err)
	}
	return rec, nil
}

// Complete records post-assignment completion of an assigned case.
func (s *Service) Complete(ctx context.Context, caseID string) (InternationalCase, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, caseID)
	if err != nil {
		return InternationalCase{}, err
	}
	if !CanTransition(rec.EscalationState, StateCompleted) {
		return InternationalCase{}, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, rec.EscalationState)
	}

	rec, err = s.repo.UpdateState(ctx, tx, caseID, StateCompleted)
	if err != nil {
		return InternationalCase{}, err
	}

	if err := s.appendHistory(ctx, tx, caseID, "CASE_COMPLETED", "escalation.completed", map[string]any{
		"case_id": caseID,
	}); err != nil {
		return InternationalCase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return InternationalCase{}, fmt.Errorf("escalation: commit complete: %w", err)
	}
	return rec, nil
}

func (s *Service) Get(ctx context.Context, caseID string) (InternationalCase, error) {
	return s.repo.Get(ctx, caseID)
}

func (s *Service) PanelResponses(ctx context.Context, caseID string) ([]PanelResponse, error) {
	return s.repo.PanelResponses(ctx, caseID)
}

// ListExpiredAuctions surfaces auctions past their deadline for an operator
// queue. Optional liveness aid; correctness never depends on it.
func (s *Service) ListExpiredAuctions(ctx context.Context, limit int) ([]InternationalCase, error) {
	return s.repo.ListExpiredAuctions(ctx, s.now(), limit)
}

// assignTx performs a terminal assignment: funnel state, case record, history
// and outbox all move in the caller's transaction.
func (s *Service) assignTx(ctx context.Context, tx pgx.Tx, rec InternationalCase, state State, partnerID, eventType string) (InternationalCase, error) {
	if !CanTransition(rec.EscalationState, state) {
		return InternationalCase{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.EscalationState, state)
	}

	updated, err := s.repo.UpdateState(ctx, tx, rec.CaseID, state)
	if err != nil {
		return InternationalCase{}, err
	}

	if _, err := s.cases.Assign(ctx, tx, rec.CaseID, partnerID); err != nil {
		return InternationalCase{}, err
	}

	if err := s.appendHistory(ctx, tx, rec.CaseID, eventType, "escalation.assigned", map[string]any{
		"case_id":    rec.CaseID,
		"partner_id": partnerID,
		"state":      state,
	}); err != nil {
		return InternationalCase{}, err
	}
	return updated, nil
}

func (s *Service) timelineAppend(ctx context.Context, tx pgx.Tx, caseID, eventType string, payload map[string]any) error {
	if s.timeline == nil {
		return nil
	}
	if err := s.timeline.Append(ctx, tx, caseID, eventType, payload); err != nil {
		return fmt.Errorf("escalation: append timeline: %w", err)
	}
	return nil
}

// appendHistory writes the timeline event and the matching outbox message.
func (s *Service) appendHistory(ctx context.Context, tx pgx.Tx, caseID, eventType, topic string, payload map[string]any) error {
	if err := s.timelineAppend(ctx, tx, caseID, eventType, payload); err != nil {
		return err
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return fmt.Errorf("escalation: enqueue outbox: %w", err)
		}
	}
	return nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
