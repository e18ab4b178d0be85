package event

import (
	"encoding/json"
	"time"
)

// UnlockConditionType discriminator for conditions attached to a ledger output
type UnlockConditionType int32

const (
	UnlockConditionAddress UnlockConditionType = iota
	UnlockConditionStorageDepositReturn
	UnlockConditionTimelock
	UnlockConditionExpiration
	UnlockConditionGovernor
	UnlockConditionStateController
)

func (t UnlockConditionType) String() string {
	switch t {
	case UnlockConditionAddress:
		return "Address"
	case UnlockConditionStorageDepositReturn:
		return "StorageDepositReturn"
	case UnlockConditionTimelock:
		return "Timelock"
	case UnlockConditionExpiration:
		return "Expiration"
	case UnlockConditionGovernor:
		return "Governor"
	case UnlockConditionStateController:
		return "StateController"
	default:
		return "Unknown"
	}
}

// UnlockCondition is one condition attached to an output.
// Address is the return address for Expiration and StorageDepositReturn.
type UnlockCondition struct {
	Type     UnlockConditionType `json:"type"`
	Address  string              `json:"address,omitempty"`
	UnixTime int64               `json:"unixTime,omitempty"`
	Amount   uint64              `json:"amount,omitempty"`
}

// Deadline returns the condition's timestamp as time.Time.
func (c UnlockCondition) Deadline() time.Time {
	return time.Unix(c.UnixTime, 0).UTC()
}

// NativeToken is a native token balance carried by an output
type NativeToken struct {
	ID     string `json:"id"`
	Amount uint64 `json:"amount"`
}

// NftOutput is the NFT payload of an output
type NftOutput struct {
	NftID        string          `json:"nftId"`
	CollectionID string          `json:"collectionId,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// LedgerEntry is a normalized view of one output observed in a ledger transaction.
// Immutable once produced by the ledger adapter.
type LedgerEntry struct {
	OutputID         string            `json:"outputId"`
	Address          string            `json:"address"`
	Amount           uint64            `json:"amount"`
	NativeTokens     []NativeToken     `json:"nativeTokens,omitempty"`
	UnlockConditions []UnlockCondition `json:"unlockConditions,omitempty"`
	Nft              *NftOutput        `json:"nft,omitempty"`
	Metadata         json.RawMessage   `json:"metadata,omitempty"`
}

func (e LedgerEntry) condition(t UnlockConditionType) *UnlockCondition {
	for i := range e.UnlockConditions {
		if e.UnlockConditions[i].Type == t {
			return &e.UnlockConditions[i]
		}
	}
	return nil
}

// Expiration returns the expiration condition, or nil.
func (e LedgerEntry) Expiration() *UnlockCondition {
	return e.condition(UnlockConditionExpiration)
}

// Timelock returns the timelock condition, or nil.
func (e LedgerEntry) Timelock() *UnlockCondition {
	return e.condition(UnlockConditionTimelock)
}

// StorageDepositReturn returns the storage-deposit-return condition, or nil.
func (e LedgerEntry) StorageDepositReturn() *UnlockCondition {
	return e.condition(UnlockConditionStorageDepositReturn)
}

// HasUnsupportedUnlockCondition reports whether the output carries anything other
// than a plain address or an expiration condition.
func (e LedgerEntry) HasUnsupportedUnlockCondition() bool {
	for _, c := range e.UnlockConditions {
		if c.Type != UnlockConditionAddress && c.Type != UnlockConditionExpiration {
			return true
		}
	}
	return false
}

// NativeTokenAmount sums the balance of a single native token id.
func (e LedgerEntry) NativeTokenAmount(tokenID string) uint64 {
	var total uint64
	for _, nt := range e.NativeTokens {
		if nt.ID == tokenID {
			total += nt.Amount
		}
	}
	return total
}

// UnlockReference links a ledger transaction to the Unlock it executes
type UnlockReference struct {
	TransactionID string `json:"transactionId"`
}

// LedgerTransaction is one observed transfer: its inputs, its outputs and the
// processed flag that flips exactly once, in the same commit as its effects.
type LedgerTransaction struct {
	ID                string           `json:"id"`
	Network           string           `json:"network"`
	InputAddresses    []string         `json:"inputAddresses"`
	ConsumedOutputIDs []string         `json:"consumedOutputIds,omitempty"`
	Entries           []LedgerEntry    `json:"entries"`
	UnlockRef         *UnlockReference `json:"unlockRef,omitempty"`
	Timestamp         time.Time        `json:"timestamp"`
	Processed         bool             `json:"processed"`
	ProcessedOn       *time.Time       `json:"processedOn,omitempty"`
}

// IdempotencyKey returns the stable dedup key
func (t *LedgerTransaction) IdempotencyKey() string {
	return t.Network + ":" + t.ID
}

// SenderAddress returns the first input address, or "" when there are no inputs.
func (t *LedgerTransaction) SenderAddress() string {
	if len(t.InputAddresses) == 0 {
		return ""
	}
	return t.InputAddresses[0]
}

// IsInputAddress reports whether addr is one of the transaction's own inputs.
func (t *LedgerTransaction) IsInputAddress(addr string) bool {
	for _, in := range t.InputAddresses {
		if in == addr {
			return true
		}
	}
	return false
}
