package ingestion

import (
	"TangleRecon/internal/event"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed marks a payload that can never be processed; the message is
// terminated instead of redelivered.
var ErrMalformed = errors.New("malformed ledger transaction")

// --- JSON wire format ---
// These structs represent the payload published by the ledger adapter.
// Field names use snake_case to match the upstream producer.

type ledgerTransactionJSON struct {
	TransactionID       string       `json:"transaction_id"`
	Network             string       `json:"network"`
	InputAddresses      []string     `json:"input_addresses"`
	ConsumedOutputIDs   []string     `json:"consumed_output_ids"`
	Outputs             []outputJSON `json:"outputs"`
	UnlockTransactionID string       `json:"unlock_transaction_id"`
	TimestampUs         int64        `json:"timestamp_us"`
}

type outputJSON struct {
	OutputID         string                `json:"output_id"`
	Address          string                `json:"address"`
	Amount           json.Number           `json:"amount"`
	NativeTokens     []nativeTokenJSON     `json:"native_tokens"`
	UnlockConditions []unlockConditionJSON `json:"unlock_conditions"`
	Nft              *nftJSON              `json:"nft"`
	Metadata         json.RawMessage       `json:"metadata"`
}

type nativeTokenJSON struct {
	ID     string `json:"id"`
	Amount string `json:"amount"` // decimal or 0x-prefixed hex
}

type unlockConditionJSON struct {
	Type          string      `json:"type"`
	ReturnAddress string      `json:"return_address"`
	UnixTime      int64       `json:"unix_time"`
	Amount        json.Number `json:"amount"`
}

type nftJSON struct {
	NftID        string          `json:"nft_id"`
	CollectionID string          `json:"collection_id"`
	Metadata     json.RawMessage `json:"metadata"`
}

var unlockConditionTypes = map[string]event.UnlockConditionType{
	"address":                event.UnlockConditionAddress,
	"storage_deposit_return": event.UnlockConditionStorageDepositReturn,
	"timelock":               event.UnlockConditionTimelock,
	"expiration":             event.UnlockConditionExpiration,
	"governor":               event.UnlockConditionGovernor,
	"state_controller":       event.UnlockConditionStateController,
}

// ParseRawEvent decodes a raw message into a ledger transaction. When the
// payload omits the network, the last token of the subject is used
// (recon.ledger.transactions.{network}).
func ParseRawEvent(raw RawEvent) (*event.LedgerTransaction, error) {
	ltx, err := ParseLedgerTransaction(raw.Data, networkFromSubject(raw.Subject))
	if err != nil {
		return nil, err
	}
	return ltx, nil
}

func networkFromSubject(subject string) string {
	if !strings.HasPrefix(subject, SubjectPrefix) {
		return ""
	}
	return strings.TrimPrefix(subject, SubjectPrefix)
}

// ParseLedgerTransaction decodes the wire format. defaultNetwork fills an
// empty network field.
func ParseLedgerTransaction(data []byte, defaultNetwork string) (*event.LedgerTransaction, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var j ledgerTransactionJSON
	if err := dec.Decode(&j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if j.TransactionID == "" {
		return nil, fmt.Errorf("%w: missing transaction_id", ErrMalformed)
	}
	if j.Network == "" {
		j.Network = defaultNetwork
	}
	if j.Network == "" {
		return nil, fmt.Errorf("%w: missing network", ErrMalformed)
	}

	ltx := &event.LedgerTransaction{
		ID:                j.TransactionID,
		Network:           j.Network,
		InputAddresses:    j.InputAddresses,
		ConsumedOutputIDs: j.ConsumedOutputIDs,
		Entries:           make([]event.LedgerEntry, 0, len(j.Outputs)),
	}
	if j.TimestampUs > 0 {
		ltx.Timestamp = time.UnixMicro(j.TimestampUs).UTC()
	}
	if j.UnlockTransactionID != "" {
		ltx.UnlockRef = &event.UnlockReference{TransactionID: j.UnlockTransactionID}
	}

	for i, o := range j.Outputs {
		entry, err := parseOutput(o)
		if err != nil {
			return nil, fmt.Errorf("%w: output %d: %v", ErrMalformed, i, err)
		}
		ltx.Entries = append(ltx.Entries, entry)
	}
	return ltx, nil
}

func parseOutput(o outputJSON) (event.LedgerEntry, error) {
	if o.OutputID == "" {
		return event.LedgerEntry{}, errors.New("missing output_id")
	}
	if o.Address == "" {
		return event.LedgerEntry{}, errors.New("missing address")
	}
	amount, err := parseNumber(o.Amount)
	if err != nil {
		return event.LedgerEntry{}, fmt.Errorf("amount: %w", err)
	}

	entry := event.LedgerEntry{
		OutputID: o.OutputID,
		Address:  o.Address,
		Amount:   amount,
	}

	for _, nt := range o.NativeTokens {
		v, err := parseTokenAmount(nt.Amount)
		if err != nil {
			return event.LedgerEntry{}, fmt.Errorf("native token %s: %w", nt.ID, err)
		}
		entry.NativeTokens = append(entry.NativeTokens, event.NativeToken{ID: nt.ID, Amount: v})
	}

	for _, uc := range o.UnlockConditions {
		t, ok := unlockConditionTypes[uc.Type]
		if !ok {
			return event.LedgerEntry{}, fmt.Errorf("unknown unlock condition %q", uc.Type)
		}
		a, err := parseNumber(uc.Amount)
		if err != nil {
			return event.LedgerEntry{}, fmt.Errorf("unlock condition %s amount: %w", uc.Type, err)
		}
		entry.UnlockConditions = append(entry.UnlockConditions, event.UnlockCondition{
			Type:     t,
			Address:  uc.ReturnAddress,
			UnixTime: uc.UnixTime,
			Amount:   a,
		})
	}

	if o.Nft != nil {
		meta, err := decodeMetadata(o.Nft.Metadata)
		if err != nil {
			return event.LedgerEntry{}, fmt.Errorf("nft metadata: %w", err)
		}
		entry.Nft = &event.NftOutput{NftID: o.Nft.NftID, CollectionID: o.Nft.CollectionID, Metadata: meta}
	}

	meta, err := decodeMetadata(o.Metadata)
	if err != nil {
		return event.LedgerEntry{}, fmt.Errorf("metadata: %w", err)
	}
	entry.Metadata = meta
	return entry, nil
}

func parseNumber(n json.Number) (uint64, error) {
	if n == "" {
		return 0, nil
	}
	return strconv.ParseUint(n.String(), 10, 64)
}

// parseTokenAmount accepts decimal or 0x-prefixed hex. Amounts beyond uint64 are rejected.
func parseTokenAmount(s string) (uint64, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	return v.Uint64(), nil
}

// decodeMetadata keeps inline JSON as is and unwraps a 0x-hex string holding JSON.
// Hex that is not JSON is dropped: it cannot carry a request.
func decodeMetadata(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(s, "0x") {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, nil
	}
	return b, nil
}
