package ledger

import (
	"TangleRecon/internal/amount"
	"TangleRecon/internal/event"
	"TangleRecon/internal/state"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Factory builds derived transactions. It never writes; callers enqueue its
// results on a Batch.
type Factory struct {
	minAmountToTransfer uint64
	newID               func() string
}

func NewFactory(minAmountToTransfer uint64) *Factory {
	return &Factory{
		minAmountToTransfer: minAmountToTransfer,
		newID:               uuid.NewString,
	}
}

func (f *Factory) base(t TransactionType, order *state.Order, source string, now time.Time) *Transaction {
	tx := &Transaction{
		ID:                f.newID(),
		Type:              t,
		SourceTransaction: []string{source},
		CreatedOn:         now,
	}
	if order != nil {
		tx.Network = order.Network
		tx.Member = order.Member
		tx.Space = order.Space
		tx.Order = order.ID
	}
	return tx
}

// CreatePayment records what was actually received: the amount is always
// match.To.Amount, never the order's declared amount.
func (f *Factory) CreatePayment(order *state.Order, match *TransactionMatch, invalid bool, now time.Time) *Transaction {
	tx := f.base(TypePayment, order, order.ID, now)
	tx.Payment = &PaymentDetails{
		Amount:         match.To.Amount,
		NativeTokens:   match.To.NativeTokens,
		SourceAddress:  match.From.Address,
		TargetAddress:  match.To.Address,
		InvalidPayment: invalid,
		Chain:          ChainReference{TransactionID: match.MsgID, OutputID: match.To.OutputID},
	}
	if order.Token != nil {
		token := *order.Token
		tx.Payment.Token = &token
	}
	if match.To.Nft != nil {
		tx.Payment.Nft = match.To.Nft.NftID
		tx.Payment.Collection = match.To.Nft.CollectionID
	}
	return tx
}

// Beneficiary is who a bill payment settles to, plus the optional royalty split.
type Beneficiary struct {
	ID               string
	Type             state.EntityType
	Address          string
	RoyaltiesFee     decimal.Decimal
	RoyaltiesSpace   string
	RoyaltiesAddress string
	PreviousOwner    string
	Nft              string
	Collection       string
}

// NftBeneficiary reads the settlement target of an NFT order.
func NftBeneficiary(o *state.NftOrder) Beneficiary {
	return Beneficiary{
		ID:               o.Beneficiary,
		Type:             o.BeneficiaryType,
		Address:          o.BeneficiaryAddress,
		RoyaltiesFee:     o.RoyaltiesFee,
		RoyaltiesSpace:   o.RoyaltiesSpace,
		RoyaltiesAddress: o.RoyaltiesSpaceAddress,
		PreviousOwner:    o.PreviousOwner,
		Nft:              o.NftID,
		Collection:       o.CollectionID,
	}
}

// RoyaltySplit returns (main, royalty) for a settled amount. The royalty is
// ceil(value*fee) and is folded back into main when below the transferable minimum.
func (f *Factory) RoyaltySplit(value uint64, b Beneficiary) (uint64, uint64) {
	if b.RoyaltiesAddress == "" {
		return value, 0
	}
	royalty := amount.MulFee(value, b.RoyaltiesFee, amount.RoundUp)
	if royalty < f.minAmountToTransfer {
		royalty = 0
	}
	return value - royalty, royalty
}

// CreateBillPayment settles a payment to its beneficiary, with a second bill
// payment for royalties when one applies.
func (f *Factory) CreateBillPayment(order *state.Order, payment *Transaction, b Beneficiary, now time.Time) []*Transaction {
	main, royalty := f.RoyaltySplit(payment.Payment.Amount, b)
	var nfts []string
	if b.Nft != "" {
		nfts = []string{b.Nft}
	}

	out := make([]*Transaction, 0, 2)

	tx := f.base(TypeBillPayment, order, order.ID, now)
	tx.BillPayment = &BillPaymentDetails{
		Amount:          main,
		NativeTokens:    payment.Payment.NativeTokens,
		SourceAddress:   payment.Payment.TargetAddress,
		TargetAddress:   b.Address,
		Beneficiary:     b.ID,
		BeneficiaryType: b.Type,
		PreviousOwner:   b.PreviousOwner,
		Token:           payment.Payment.Token,
		Nfts:            nfts,
		Collection:      b.Collection,
	}
	out = append(out, tx)

	if royalty > 0 {
		rtx := f.base(TypeBillPayment, order, order.ID, now)
		rtx.BillPayment = &BillPaymentDetails{
			Amount:          royalty,
			SourceAddress:   payment.Payment.TargetAddress,
			TargetAddress:   b.RoyaltiesAddress,
			Beneficiary:     b.RoyaltiesSpace,
			BeneficiaryType: state.EntitySpace,
			Royalty:         true,
			PreviousOwner:   b.PreviousOwner,
			Token:           payment.Payment.Token,
			Nfts:            nfts,
			Collection:      b.Collection,
		}
		out = append(out, rtx)
	}
	return out
}

// AssetTransfer moves a bundle of assets between two addresses
type AssetTransfer struct {
	SourceAddress string
	TargetAddress string
	Beneficiary   string
	Amount        uint64
	NativeTokens  []event.NativeToken
	Nfts          []string
}

// CreateTransfer builds a bill payment for a multi-asset transfer, as used by swaps.
func (f *Factory) CreateTransfer(order *state.Order, t AssetTransfer, now time.Time) *Transaction {
	tx := f.base(TypeBillPayment, order, order.ID, now)
	tx.BillPayment = &BillPaymentDetails{
		Amount:          t.Amount,
		NativeTokens:    t.NativeTokens,
		SourceAddress:   t.SourceAddress,
		TargetAddress:   t.TargetAddress,
		Beneficiary:     t.Beneficiary,
		BeneficiaryType: state.EntityMember,
		Nfts:            t.Nfts,
	}
	return tx
}

// CreditOptions tunes a credit beyond its defaults
type CreditOptions struct {
	IgnoreWalletReason IgnoreWalletReason
	Response           map[string]any
}

// CreateCredit returns the received value from match.To back to match.From.
// It returns nil when the payment carried no base amount. Outputs locked by a
// timelock or a storage-deposit-return condition are credited for bookkeeping
// only (ignoreWallet).
func (f *Factory) CreateCredit(creditType CreditType, payment *Transaction, match *TransactionMatch, now time.Time, opts CreditOptions) *Transaction {
	if payment == nil || payment.Payment == nil || payment.Payment.Amount == 0 {
		return nil
	}

	tx := &Transaction{
		ID:                f.newID(),
		Type:              TypeCredit,
		Network:           payment.Network,
		Member:            payment.Member,
		Space:             payment.Space,
		Order:             payment.Order,
		SourceTransaction: []string{payment.ID},
		CreatedOn:         now,
	}
	tx.Credit = &CreditDetails{
		Type:            creditType,
		Amount:          payment.Payment.Amount,
		NativeTokens:    payment.Payment.NativeTokens,
		SourceAddress:   match.To.Address,
		TargetAddress:   match.From.Address,
		OutputToConsume: match.To.OutputID,
		Response:        opts.Response,
	}

	reason := opts.IgnoreWalletReason
	if match.To.Timelock() != nil {
		reason = IgnoreTimelock
	}
	if sdr := match.To.StorageDepositReturn(); sdr != nil {
		reason = IgnoreStorageDeposit
		tx.Credit.StorageReturn = &StorageReturn{Amount: sdr.Amount, Address: sdr.Address}
	}
	if reason != "" {
		tx.Credit.IgnoreWallet = true
		tx.Credit.IgnoreWalletReason = reason
	}
	return tx
}

// CreateNftCredit returns an NFT-bearing output to its sender.
func (f *Factory) CreateNftCredit(payment *Transaction, match *TransactionMatch, now time.Time, opts CreditOptions) *Transaction {
	tx := f.CreateCredit(CreditDataNoLongerValid, payment, match, now, opts)
	if tx == nil {
		return nil
	}
	tx.Type = TypeCreditNft
	if match.To.Nft != nil {
		tx.Credit.Nft = match.To.Nft.NftID
	}
	return tx
}

// CreateRefund credits a bid or top-up that lost its place. The amount and the
// target are taken from the bid rather than from a fresh match.
func (f *Factory) CreateRefund(creditType CreditType, order *state.Order, source, sourceAddress, targetAddress string, value uint64, now time.Time) *Transaction {
	if value == 0 {
		return nil
	}
	tx := f.base(TypeCredit, order, source, now)
	tx.Credit = &CreditDetails{
		Type:          creditType,
		Amount:        value,
		SourceAddress: sourceAddress,
		TargetAddress: targetAddress,
	}
	return tx
}

// CreateUnlockTransaction schedules the follow-up settlement of an output that is
// not final yet. Forwarding unlocks target the order's address; others return the
// output to the entry's own address so the expiration condition is dropped.
func (f *Factory) CreateUnlockTransaction(order *state.Order, ledgerTx *event.LedgerTransaction, entry event.LedgerEntry, unlockType UnlockType, outputToConsume string, expiresOn *time.Time, now time.Time) *Transaction {
	target := entry.Address
	if unlockType == UnlockTransferForward {
		target = order.TargetAddress
	}

	tx := f.base(TypeUnlock, order, order.ID, now)
	tx.Unlock = &UnlockDetails{
		Type:                unlockType,
		Amount:              entry.Amount,
		NativeTokens:        entry.NativeTokens,
		SourceAddress:       entry.Address,
		TargetAddress:       target,
		OutputToConsume:     outputToConsume,
		LedgerTransactionID: ledgerTx.ID,
		SenderAddress:       ledgerTx.SenderAddress(),
		ExpiresOn:           expiresOn,
	}
	if entry.Nft != nil {
		tx.Unlock.Nft = entry.Nft.NftID
	}
	return tx
}

// CreateVote records a vote backed by the deposited output.
func (f *Factory) CreateVote(order *state.Order, payment *Transaction, vote *state.VoteRecord, now time.Time) *Transaction {
	tx := f.base(TypeVote, order, payment.ID, now)
	tx.Vote = vote
	return tx
}

// CreateWithdrawNft sends a settled NFT out to a ledger address.
func (f *Factory) CreateWithdrawNft(order *state.Order, nft *state.Nft, sourceAddress, targetAddress string, now time.Time) *Transaction {
	tx := f.base(TypeWithdrawNft, order, order.ID, now)
	tx.WithdrawNft = &WithdrawNftDetails{
		Nft:           nft.ID,
		Collection:    nft.Collection,
		SourceAddress: sourceAddress,
		TargetAddress: targetAddress,
	}
	return tx
}

// MarkAsReconciled settles the order. Calling it again keeps the first chain reference.
func MarkAsReconciled(order *state.Order, chainRef string) {
	order.Reconciled = true
	if order.ChainReference == "" {
		order.ChainReference = chainRef
	}
}
