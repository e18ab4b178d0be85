package query

import (
	"TangleRecon/internal/ledger"
	"time"
)

// TransactionPage lists the derived transactions of one order.
type TransactionPage struct {
	OrderID      string                `json:"order_id"`
	Transactions []*ledger.Transaction `json:"transactions"`
	Count        int                   `json:"count"`
}

// LedgerTransactionStatus reports whether an observed ledger transaction was reconciled.
type LedgerTransactionStatus struct {
	ID          string     `json:"id"`
	Network     string     `json:"network"`
	Processed   bool       `json:"processed"`
	ProcessedOn *time.Time `json:"processed_on,omitempty"`
	Entries     int        `json:"entries"`
}

// OutcomeResponse is one row of the reconciliation log.
type OutcomeResponse struct {
	LedgerTransactionID string    `json:"ledger_transaction_id"`
	Network             string    `json:"network"`
	Outcome             string    `json:"outcome"`
	Orders              []string  `json:"orders"`
	Transactions        []string  `json:"transactions"`
	DurationMicros      int64     `json:"duration_us"`
	ProcessedAt         time.Time `json:"processed_at"`
}
