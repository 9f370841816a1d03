package scoring

import (
	"time"

	"github.com/enterprise/fraud-engine/internal/models"
)

// Validate checks the business invariants of a transaction.
// Schema checks belong to the request boundary.
func Validate(tx *models.Transaction, now time.Time) error {
	if tx.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "amount must be positive"}
	}
	if tx.Timestamp.After(now) {
		return &ValidationError{Field: "timestamp", Reason: "timestamp cannot be in the future"}
	}
	return nil
}
