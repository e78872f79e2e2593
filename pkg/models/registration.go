package models

import "time"

// TransactionStatus is the lifecycle stage of a registration transaction
type TransactionStatus string

const (
	TransactionStatusProcessing           TransactionStatus = "PROCESSING"
	TransactionStatusCompleted            TransactionStatus = "COMPLETED"
	TransactionStatusDuplicateFound       TransactionStatus = "DUPLICATE_FOUND"
	TransactionStatusAwaitingManualReview TransactionStatus = "AWAITING_MANUAL_REVIEW"
	TransactionStatusFailed               TransactionStatus = "FAILED"
)

// IsTerminal reports whether the transaction has reached a final dedup decision
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusCompleted, TransactionStatusDuplicateFound, TransactionStatusFailed:
		return true
	}
	return false
}

// RegistrationTransaction tracks one registration packet through the dedup
// pipeline. Rows are never deleted, only status-advanced.
type RegistrationTransaction struct {
	ID             string            `json:"id" db:"id"`
	RegistrationID string            `json:"registration_id" db:"registration_id"`
	Status         TransactionStatus `json:"status" db:"status_code"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// BioReference maps a registration to a stable biometric reference id.
// One registration may own several reference ids (re-capture, multiple
// modalities); a reference id is immutable once created.
type BioReference struct {
	RegistrationID string    `json:"registration_id" db:"registration_id"`
	BioRefID       string    `json:"bio_ref_id" db:"bio_ref_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
