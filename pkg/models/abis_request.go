package models

import "time"

// AbisRequestType is the kind of operation sent to the ABIS
type AbisRequestType string

const (
	AbisRequestTypeInsert   AbisRequestType = "INSERT"
	AbisRequestTypeIdentify AbisRequestType = "IDENTIFY"
)

// AbisRequestStatus is the dispatch state of an outbound ABIS request
type AbisRequestStatus string

const (
	AbisRequestStatusCreated   AbisRequestStatus = "CREATED"
	AbisRequestStatusSent      AbisRequestStatus = "SENT"
	AbisRequestStatusProcessed AbisRequestStatus = "PROCESSED"
	AbisRequestStatusFailed    AbisRequestStatus = "FAILED"
)

// CanTransition reports whether the request status machine permits moving
// to the target status. CREATED -> SENT -> PROCESSED, with FAILED reachable
// from CREATED and SENT. FAILED and PROCESSED are terminal.
func (s AbisRequestStatus) CanTransition(to AbisRequestStatus) bool {
	switch s {
	case AbisRequestStatusCreated:
		return to == AbisRequestStatusSent || to == AbisRequestStatusFailed
	case AbisRequestStatusSent:
		return to == AbisRequestStatusProcessed || to == AbisRequestStatusFailed
	}
	return false
}

// IsActive reports whether the request still counts toward the
// one-active-request-per-(ref,transaction,type) invariant
func (s AbisRequestStatus) IsActive() bool {
	return s != AbisRequestStatusFailed
}

// AbisRequest is one outbound insert/identify request addressed to the ABIS.
// Requests belonging to one registration transaction share a batch id so the
// responses can be correlated as a unit.
type AbisRequest struct {
	ID          string            `json:"id" db:"id"`
	BioRefID    string            `json:"bio_ref_id" db:"bio_ref_id"`
	BatchID     string            `json:"req_batch_id" db:"req_batch_id"`
	RefRegtrnID string            `json:"ref_regtrn_id" db:"ref_regtrn_id"`
	RequestType AbisRequestType   `json:"request_type" db:"request_type"`
	Status      AbisRequestStatus `json:"status" db:"status_code"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}
