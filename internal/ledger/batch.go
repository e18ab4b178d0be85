package ledger

import (
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/state"
	"fmt"

	"github.com/google/uuid"
)

// Batch is the write-set of one reconciliation: document writes, the derived
// transactions among them, and the notifications to publish once committed.
// Handlers fill a Batch; the orchestrator merges and commits it in one transaction.
type Batch struct {
	BatchID       uuid.UUID
	EventRef      string
	Writes        []docstore.Write
	Transactions  []*Transaction
	Linked        []string // derived transaction ids to append to the order being settled
	Notifications []state.Notification
}

func NewBatch(eventRef string) *Batch {
	return &Batch{
		BatchID:  uuid.New(),
		EventRef: eventRef,
	}
}

func (b *Batch) Create(collection, id string, data any) {
	b.Writes = append(b.Writes, docstore.Write{Op: docstore.OpCreate, Collection: collection, ID: id, Data: data})
}

func (b *Batch) Set(collection, id string, data any) {
	b.Writes = append(b.Writes, docstore.Write{Op: docstore.OpSet, Collection: collection, ID: id, Data: data})
}

func (b *Batch) Update(collection, id string, fields map[string]any) {
	b.Writes = append(b.Writes, docstore.Write{Op: docstore.OpUpdate, Collection: collection, ID: id, Data: fields})
}

// AddTransaction enqueues a derived transaction and links it to the order being settled.
func (b *Batch) AddTransaction(tx *Transaction) {
	if tx == nil {
		return
	}
	b.AddDetachedTransaction(tx)
	b.Linked = append(b.Linked, tx.ID)
}

// AddDetachedTransaction enqueues a derived transaction without linking it.
func (b *Batch) AddDetachedTransaction(tx *Transaction) {
	if tx == nil {
		return
	}
	b.Create(docstore.Transactions, tx.ID, tx)
	b.Transactions = append(b.Transactions, tx)
}

// Notify enqueues a notification document.
func (b *Batch) Notify(n state.Notification) {
	b.Create(docstore.Notifications, n.ID, n)
	b.Notifications = append(b.Notifications, n)
}

// Merge appends other's writes after b's own.
func (b *Batch) Merge(other *Batch) {
	if other == nil {
		return
	}
	b.Writes = append(b.Writes, other.Writes...)
	b.Transactions = append(b.Transactions, other.Transactions...)
	b.Linked = append(b.Linked, other.Linked...)
	b.Notifications = append(b.Notifications, other.Notifications...)
}

// Validate ensures the write-set is well-formed before commit.
func (b *Batch) Validate() error {
	created := make(map[string]bool, len(b.Writes))
	for _, w := range b.Writes {
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("batch %s has a write without collection or id", b.BatchID)
		}
		if w.Op != docstore.OpCreate {
			continue
		}
		key := w.Collection + "/" + w.ID
		if created[key] {
			return fmt.Errorf("batch %s creates %s twice", b.BatchID, key)
		}
		created[key] = true
	}

	for _, tx := range b.Transactions {
		if !tx.ValidPayload() {
			return fmt.Errorf("transaction %s has a payload that does not match type %s", tx.ID, tx.Type)
		}
		// Every derived record references exactly one originating order or payment
		if len(tx.SourceTransaction) != 1 || tx.SourceTransaction[0] == "" {
			return fmt.Errorf("transaction %s must reference exactly one source, got %v", tx.ID, tx.SourceTransaction)
		}
		if tx.Type == TypeCredit && tx.Credit.Amount == 0 {
			return fmt.Errorf("credit %s has zero amount", tx.ID)
		}
		if tx.Type == TypeBillPayment && tx.BillPayment.Amount == 0 && len(tx.BillPayment.Nfts) == 0 && len(tx.BillPayment.NativeTokens) == 0 {
			return fmt.Errorf("bill payment %s moves nothing", tx.ID)
		}
	}

	return nil
}
