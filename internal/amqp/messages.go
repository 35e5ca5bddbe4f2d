package amqp

import (
	"encoding/json"
	"time"
)

// TransactionCreatedMessage announces a transaction materialized from a
// completed recurring occurrence. Consumers fetch the full record from
// the database by ID.
type TransactionCreatedMessage struct {
	TransactionID int64     `json:"transaction_id"`
	ScheduleID    int64     `json:"schedule_id"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewTransactionCreatedMessage(transactionID, scheduleID int64) *TransactionCreatedMessage {
	return &TransactionCreatedMessage{
		TransactionID: transactionID,
		ScheduleID:    scheduleID,
		Timestamp:     time.Now(),
	}
}

func (m *TransactionCreatedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func TransactionCreatedMessageFromJSON(data []byte) (*TransactionCreatedMessage, error) {
	var msg TransactionCreatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
