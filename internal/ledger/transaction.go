package ledger

import (
	"TangleRecon/internal/event"
	"TangleRecon/internal/state"
	"time"
)

// TransactionType is the kind of a derived transaction
type TransactionType string

const (
	TypePayment     TransactionType = "PAYMENT"
	TypeCredit      TransactionType = "CREDIT"
	TypeCreditNft   TransactionType = "CREDIT_NFT"
	TypeBillPayment TransactionType = "BILL_PAYMENT"
	TypeUnlock      TransactionType = "UNLOCK"
	TypeVote        TransactionType = "VOTE"
	TypeWithdrawNft TransactionType = "WITHDRAW_NFT"
)

// CreditType says why value is being returned
type CreditType string

const (
	CreditDataNoLongerValid   CreditType = "DATA_NO_LONGER_VALID"
	CreditInvalidAmount       CreditType = "INVALID_AMOUNT"
	CreditInvalidBid          CreditType = "INVALID_BID"
	CreditAuctionCancelled    CreditType = "AUCTION_CANCELLED"
	CreditTangleRequestError  CreditType = "TANGLE_REQUEST_ERROR"
	CreditAddressValidation   CreditType = "ADDRESS_VALIDATION"
	CreditUnsupportedUnlock   CreditType = "UNSUPPORTED_UNLOCK_CONDITION"
	CreditDuplicateSettlement CreditType = "DUPLICATE_SETTLEMENT"
)

// IgnoreWalletReason marks a credit that is bookkeeping only: no transfer is sent.
type IgnoreWalletReason string

const (
	IgnoreTimelock       IgnoreWalletReason = "UNREFUNDABLE_DUE_TIMELOCK_CONDITION"
	IgnoreStorageDeposit IgnoreWalletReason = "UNREFUNDABLE_DUE_STORAGE_DEPOSIT_CONDITION"
	IgnoreOutputExpired  IgnoreWalletReason = "UNREFUNDABLE_DUE_OUTPUT_EXPIRED"
)

// UnlockType decides where a scheduled unlock sends the consumed output
type UnlockType string

const (
	UnlockFunds           UnlockType = "UNLOCK_FUNDS"
	UnlockTransferForward UnlockType = "TRANSFER_FORWARD"
)

// TransactionMatch pairs the sender with the output that satisfied an order.
// From carries the settling source address; To is the received output.
type TransactionMatch struct {
	MsgID string
	From  event.LedgerEntry
	To    event.LedgerEntry
}

// ChainReference points at the ledger output a derived transaction came from
type ChainReference struct {
	TransactionID string `json:"transactionId"`
	OutputID      string `json:"outputId,omitempty"`
}

// Transaction is a derived accounting record. Exactly one payload pointer is set,
// matching Type.
type Transaction struct {
	ID                string          `json:"id"`
	Type              TransactionType `json:"type"`
	Network           string          `json:"network"`
	Member            string          `json:"member,omitempty"`
	Space             string          `json:"space,omitempty"`
	Order             string          `json:"order,omitempty"`
	SourceTransaction []string        `json:"sourceTransaction"`
	CreatedOn         time.Time       `json:"createdOn"`

	Payment     *PaymentDetails     `json:"payment,omitempty"`
	Credit      *CreditDetails      `json:"credit,omitempty"`
	BillPayment *BillPaymentDetails `json:"billPayment,omitempty"`
	Unlock      *UnlockDetails      `json:"unlock,omitempty"`
	Vote        *state.VoteRecord   `json:"vote,omitempty"`
	WithdrawNft *WithdrawNftDetails `json:"withdrawNft,omitempty"`
}

type PaymentDetails struct {
	Amount         uint64              `json:"amount"`
	NativeTokens   []event.NativeToken `json:"nativeTokens,omitempty"`
	SourceAddress  string              `json:"sourceAddress"`
	TargetAddress  string              `json:"targetAddress"`
	InvalidPayment bool                `json:"invalidPayment"`
	Chain          ChainReference      `json:"chain"`
	Token          *state.TokenRef     `json:"token,omitempty"`
	Nft            string              `json:"nft,omitempty"`
	Collection     string              `json:"collection,omitempty"`
	Response       map[string]any      `json:"response,omitempty"`
}

// StorageReturn is the part of a credited output owed back to a storage depositor
type StorageReturn struct {
	Amount  uint64 `json:"amount"`
	Address string `json:"address"`
}

type CreditDetails struct {
	Type               CreditType          `json:"type"`
	Amount             uint64              `json:"amount"`
	NativeTokens       []event.NativeToken `json:"nativeTokens,omitempty"`
	SourceAddress      string              `json:"sourceAddress"`
	TargetAddress      string              `json:"targetAddress"`
	OutputToConsume    string              `json:"outputToConsume,omitempty"`
	Nft                string              `json:"nft,omitempty"`
	IgnoreWallet       bool                `json:"ignoreWallet"`
	IgnoreWalletReason IgnoreWalletReason  `json:"ignoreWalletReason,omitempty"`
	StorageReturn      *StorageReturn      `json:"storageReturn,omitempty"`
	Response           map[string]any      `json:"response,omitempty"`
}

type BillPaymentDetails struct {
	Amount          uint64              `json:"amount"`
	NativeTokens    []event.NativeToken `json:"nativeTokens,omitempty"`
	SourceAddress   string              `json:"sourceAddress"`
	TargetAddress   string              `json:"targetAddress"`
	Beneficiary     string              `json:"beneficiary,omitempty"`
	BeneficiaryType state.EntityType    `json:"beneficiaryType,omitempty"`
	Royalty         bool                `json:"royalty"`
	PreviousOwner   string              `json:"previousOwner,omitempty"`
	Token           *state.TokenRef     `json:"token,omitempty"`
	Nfts            []string            `json:"nfts,omitempty"`
	Collection      string              `json:"collection,omitempty"`
}

type UnlockDetails struct {
	Type                UnlockType          `json:"type"`
	Amount              uint64              `json:"amount"`
	NativeTokens        []event.NativeToken `json:"nativeTokens,omitempty"`
	SourceAddress       string              `json:"sourceAddress"`
	TargetAddress       string              `json:"targetAddress"`
	OutputToConsume     string              `json:"outputToConsume"`
	LedgerTransactionID string              `json:"ledgerTransactionId"`
	SenderAddress       string              `json:"senderAddress"`
	ExpiresOn           *time.Time          `json:"expiresOn,omitempty"`
	Nft                 string              `json:"nft,omitempty"`
}

type WithdrawNftDetails struct {
	Nft           string `json:"nft"`
	Collection    string `json:"collection,omitempty"`
	SourceAddress string `json:"sourceAddress,omitempty"`
	TargetAddress string `json:"targetAddress"`
}

// Amount returns the base-token amount moved by the transaction, whatever its kind.
func (t *Transaction) Amount() uint64 {
	switch {
	case t.Payment != nil:
		return t.Payment.Amount
	case t.Credit != nil:
		return t.Credit.Amount
	case t.BillPayment != nil:
		return t.BillPayment.Amount
	case t.Unlock != nil:
		return t.Unlock.Amount
	case t.Vote != nil:
		return t.Vote.TokenAmount
	default:
		return 0
	}
}

// ValidPayload reports whether exactly the payload matching Type is set.
func (t *Transaction) ValidPayload() bool {
	set := 0
	for _, p := range []bool{
		t.Payment != nil,
		t.Credit != nil,
		t.BillPayment != nil,
		t.Unlock != nil,
		t.Vote != nil,
		t.WithdrawNft != nil,
	} {
		if p {
			set++
		}
	}
	if set != 1 {
		return false
	}
	switch t.Type {
	case TypePayment:
		return t.Payment != nil
	case TypeCredit, TypeCreditNft:
		return t.Credit != nil
	case TypeBillPayment:
		return t.BillPayment != nil
	case TypeUnlock:
		return t.Unlock != nil
	case TypeVote:
		return t.Vote != nil
	case TypeWithdrawNft:
		return t.WithdrawNft != nil
	default:
		return false
	}
}
