package models

import "time"

// AbisResponse is one inbound ABIS reply correlated to a tracked request.
// A request accumulates at most one response; redelivery replaces nothing.
type AbisResponse struct {
	ID         string    `json:"id" db:"id"`
	AbisReqID  string    `json:"abis_req_id" db:"abis_req_id"`
	BatchID    string    `json:"req_batch_id" db:"req_batch_id"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

// AbisResponseCandidate is one candidate match reported by the ABIS for a
// response: the gallery reference that matched and its score.
type AbisResponseCandidate struct {
	AbisRespID   string  `json:"abis_resp_id" db:"abis_resp_id"`
	MatchedRefID string  `json:"matched_ref_id" db:"matched_ref_id"`
	Score        float64 `json:"score" db:"score"`
}

// Candidate is a (matched reference, score) pair after aggregation across a
// transaction's requests
type Candidate struct {
	MatchedRefID string  `json:"matched_ref_id"`
	Score        float64 `json:"score"`
}
