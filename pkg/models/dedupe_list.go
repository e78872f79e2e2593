package models

import "time"

// DedupeEntryType distinguishes demographic from biometric dedupe entries
type DedupeEntryType string

const (
	DedupeEntryTypeDemographic DedupeEntryType = "DEMOGRAPHIC"
	DedupeEntryTypeBiometric   DedupeEntryType = "BIOMETRIC"
)

// DedupeListEntry records a duplicate decision against a registration
// transaction. Marking a registration as duplicate flips is_active to false
// on the superseded entry in the same transaction that records the winner.
type DedupeListEntry struct {
	ID             string          `json:"id" db:"id"`
	RefRegtrnID    string          `json:"ref_regtrn_id" db:"ref_regtrn_id"`
	RegistrationID string          `json:"registration_id" db:"registration_id"`
	MatchedRegID   string          `json:"matched_reg_id" db:"matched_reg_id"`
	MatchedRefID   string          `json:"matched_ref_id" db:"matched_ref_id"`
	EntryType      DedupeEntryType `json:"entry_type" db:"entry_type"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}
