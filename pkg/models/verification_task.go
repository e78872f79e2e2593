package models

import "time"

// VerificationTaskStatus is the work-queue state of a manual verification task
type VerificationTaskStatus string

const (
	VerificationTaskStatusPending   VerificationTaskStatus = "PENDING"
	VerificationTaskStatusAssigned  VerificationTaskStatus = "ASSIGNED"
	VerificationTaskStatusCompleted VerificationTaskStatus = "COMPLETED"
)

// VerificationOutcome is the human decision recorded on task completion
type VerificationOutcome string

const (
	VerificationOutcomeDuplicateConfirmed VerificationOutcome = "DUPLICATE_CONFIRMED"
	VerificationOutcomeUniqueConfirmed    VerificationOutcome = "UNIQUE_CONFIRMED"
)

// VerificationMatchType filters which kind of inconclusive match a verifier
// wants to work on
type VerificationMatchType string

const (
	VerificationMatchTypeDemo VerificationMatchType = "DEMO"
	VerificationMatchTypeBio  VerificationMatchType = "BIO"
)

// VerificationTask is one unit of manual review work, keyed by the
// (registration id, matched reference id) pair. Tasks are offered strictly
// oldest-first within a match type.
type VerificationTask struct {
	RegistrationID string                 `json:"registration_id" db:"registration_id"`
	MatchedRefID   string                 `json:"matched_ref_id" db:"matched_ref_id"`
	RefRegtrnID    string                 `json:"ref_regtrn_id" db:"ref_regtrn_id"`
	MatchType      VerificationMatchType  `json:"match_type" db:"match_type"`
	VerifierID     *string                `json:"verifier_id,omitempty" db:"verifier_id"`
	Status         VerificationTaskStatus `json:"status" db:"status_code"`
	Outcome        *VerificationOutcome   `json:"outcome,omitempty" db:"outcome"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}
