package saga

import "time"

// TimeoutExpiredPayload is the payload carried by the reserved
// "SagaTimeoutExpired" system message (§4.5). The core publishes this to the
// bus when a saga-level timeout fires; saga handlers may observe it like any
// other correlated message.
type TimeoutExpiredPayload struct {
	SagaID        string    `json:"sagaId"`
	SagaName      string    `json:"sagaName"`
	CorrelationID string    `json:"correlationId"`
	TimeoutMs     int64     `json:"timeoutMs"`
	TimeoutSetAt  time.Time `json:"timeoutSetAt"`
}

// NewTimeoutExpiredMessage builds the reserved system message for a fired
// saga-level timeout.
func NewTimeoutExpiredMessage(p TimeoutExpiredPayload) Message {
	return Message{Type: ReservedTypeTimeoutExpired, Data: p}
}
