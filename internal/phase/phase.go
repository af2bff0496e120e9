// Package phase owns the transaction lifecycle graph and validates
// transitions through it.
package phase

import "errors"

type Phase string

const (
	Intake             Phase = "intake"
	DocumentCollection Phase = "document-collection"
	OfferReview        Phase = "offer-review"
	OfferAcceptance    Phase = "offer-acceptance"
	LenderApproval     Phase = "lender-approval"
	Escrow             Phase = "escrow"
	ClosingDocuments   Phase = "closing-documents"
	Funding            Phase = "funding"
	Closed             Phase = "closed"
)

// Sequence is the canonical lifecycle order. It is informational for
// clients; the transition table below deliberately permits moving
// backwards so a mis-set phase can be corrected.
var Sequence = []Phase{
	Intake,
	DocumentCollection,
	OfferReview,
	OfferAcceptance,
	LenderApproval,
	Escrow,
	ClosingDocuments,
	Funding,
	Closed,
}

var (
	ErrUnknownPhase = errors.New("unknown phase")
	ErrTerminal     = errors.New("transaction is closed")
	ErrSamePhase    = errors.New("transaction already in that phase")
)

var defined = func() map[Phase]int {
	m := make(map[Phase]int, len(Sequence))
	for i, p := range Sequence {
		m[p] = i
	}
	return m
}()

func IsValid(p Phase) bool {
	_, ok := defined[p]
	return ok
}

// IsTerminal reports whether no transition may leave the phase.
func IsTerminal(p Phase) bool {
	return p == Closed
}

// Index returns the position of the phase in the canonical sequence,
// or -1 for an unknown phase.
func Index(p Phase) int {
	i, ok := defined[p]
	if !ok {
		return -1
	}
	return i
}

// Validate checks a requested transition. Any defined phase may move to
// any other defined phase, except that nothing leaves the terminal
// phase and a no-op transition is rejected so every accepted request
// produces a real change.
func Validate(from, to Phase) error {
	if !IsValid(from) || !IsValid(to) {
		return ErrUnknownPhase
	}
	if IsTerminal(from) {
		return ErrTerminal
	}
	if from == to {
		return ErrSamePhase
	}
	return nil
}
