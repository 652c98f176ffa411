package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coilworks/relay/model"
)

var tracer = otel.Tracer("ledger.adapter")

// AccountBalance is the ledger engine's view of one account: posted and
// pending debit/credit aggregates in the asset's minor unit.
type AccountBalance struct {
	DebitsPending  uint64 `json:"debits_pending"`
	DebitsPosted   uint64 `json:"debits_posted"`
	CreditsPending uint64 `json:"credits_pending"`
	CreditsPosted  uint64 `json:"credits_posted"`
}

// Posted returns the settled balance (credits minus debits).
func (b AccountBalance) Posted() int64 {
	return int64(b.CreditsPosted) - int64(b.DebitsPosted)
}

// Available returns the balance net of pending debit holds.
func (b AccountBalance) Available() int64 {
	return b.Posted() - int64(b.DebitsPending)
}

// Store is the slice of the datasource the adapter drives. Implementations
// surface expected outcomes as *model.TransferError values.
type Store interface {
	CreateTransfer(ctx context.Context, transfer *model.LedgerTransfer) error
	PostTransfer(ctx context.Context, transferID string) (*model.LedgerTransfer, error)
	VoidTransfer(ctx context.Context, transferID string) (*model.LedgerTransfer, error)
	GetLedgerBalance(ctx context.Context, ledgerAccountID string) (*AccountBalance, error)
	GetAccountByID(ctx context.Context, accountID string) (*model.Account, error)
	SetAccountProcessAt(ctx context.Context, accountID string, processAt time.Time) error
}

// ExpiryScheduler schedules the auto-void of a pending transfer once its
// timeout elapses, and cancels the task again when the transfer settles
// explicitly before the deadline.
type ExpiryScheduler interface {
	ScheduleVoid(ctx context.Context, transferID string, at time.Time) error
	CancelVoid(ctx context.Context, transferID string) error
}

// TransferRequest describes one two-phase reservation in domain terms:
// UUID-shaped ids and an amount in the ledger's minor unit. A zero timeout
// creates a pending transfer with no auto-expiry.
type TransferRequest struct {
	TransferID      string
	DebitAccountID  string
	CreditAccountID string
	Amount          uint64
	Type            model.TransferType
	Ledger          int32
	TimeoutSeconds  uint32
}

// Adapter presents the domain transfer API over the ledger engine's 128-bit,
// two-phase transfer primitive.
type Adapter struct {
	store    Store
	expiries ExpiryScheduler
}

// NewAdapter builds an adapter. The expiry scheduler may be nil, in which
// case pending transfers rely on read-side expiry alone.
func NewAdapter(store Store, expiries ExpiryScheduler) *Adapter {
	return &Adapter{store: store, expiries: expiries}
}

// Reserve creates a pending transfer holding req.Amount against the debit
// account. Expected outcomes surface as *model.TransferError.
func (a *Adapter) Reserve(ctx context.Context, req TransferRequest) (*model.LedgerTransfer, error) {
	ctx, span := tracer.Start(ctx, "Reserving ledger transfer")
	defer span.End()

	if req.Amount == 0 {
		return nil, model.NewTransferError(model.TransferErrInvalidAmount)
	}
	if req.DebitAccountID == req.CreditAccountID {
		return nil, errors.Errorf("transfer %s debits and credits the same account", req.TransferID)
	}

	transferID, err := ToLedgerID(req.TransferID)
	if err != nil {
		return nil, err
	}
	debitID, err := ToLedgerID(req.DebitAccountID)
	if err != nil {
		return nil, err
	}
	creditID, err := ToLedgerID(req.CreditAccountID)
	if err != nil {
		return nil, err
	}

	transfer := &model.LedgerTransfer{
		TransferID:      transferID,
		DebitAccountID:  debitID,
		CreditAccountID: creditID,
		Amount:          req.Amount,
		Type:            req.Type,
		Ledger:          req.Ledger,
		TimeoutSeconds:  req.TimeoutSeconds,
		State:           model.TransferStatePending,
	}
	if req.TimeoutSeconds > 0 {
		expiresAt := time.Now().Add(time.Duration(req.TimeoutSeconds) * time.Second)
		transfer.ExpiresAt = &expiresAt
	}

	if err := a.store.CreateTransfer(ctx, transfer); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if transfer.ExpiresAt != nil && a.expiries != nil {
		if err := a.expiries.ScheduleVoid(ctx, req.TransferID, *transfer.ExpiresAt); err != nil {
			// The ledger itself expires the hold on read; losing the task is benign.
			logrus.Errorf("failed to schedule expiry for transfer %s: %v", req.TransferID, err)
		}
	}
	span.AddEvent("Transfer reserved", trace.WithAttributes(attribute.String("transfer.id", req.TransferID)))
	return transfer, nil
}

// Post finalizes a previously reserved transfer, committing the debit and
// credit. Posting an already posted transfer is a no-op.
func (a *Adapter) Post(ctx context.Context, transferID string) error {
	ctx, span := tracer.Start(ctx, "Posting ledger transfer")
	defer span.End()

	ledgerID, err := ToLedgerID(transferID)
	if err != nil {
		return err
	}
	transfer, err := a.store.PostTransfer(ctx, ledgerID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.AddEvent("Transfer posted", trace.WithAttributes(attribute.String("transfer.id", transferID)))
	a.cancelExpiry(ctx, transferID)
	a.notifyLiquidityThreshold(ctx, transfer.DebitAccountID)
	return nil
}

// Void releases a previously reserved transfer's hold. Voiding an already
// voided or expired transfer is a no-op.
func (a *Adapter) Void(ctx context.Context, transferID string) error {
	ctx, span := tracer.Start(ctx, "Voiding ledger transfer")
	defer span.End()

	ledgerID, err := ToLedgerID(transferID)
	if err != nil {
		return err
	}
	if _, err := a.store.VoidTransfer(ctx, ledgerID); err != nil {
		span.RecordError(err)
		return err
	}
	span.AddEvent("Transfer voided", trace.WithAttributes(attribute.String("transfer.id", transferID)))
	a.cancelExpiry(ctx, transferID)
	return nil
}

// cancelExpiry drops the scheduled auto-void for a transfer that settled
// explicitly. Best effort: the expiry worker treats an already settled
// transfer as resolved, so a leftover task is harmless.
func (a *Adapter) cancelExpiry(ctx context.Context, transferID string) {
	if a.expiries == nil {
		return
	}
	if err := a.expiries.CancelVoid(ctx, transferID); err != nil {
		logrus.Errorf("failed to cancel expiry for transfer %s: %v", transferID, err)
	}
}

// LookupAccount returns the ledger balance for a domain account id.
func (a *Adapter) LookupAccount(ctx context.Context, accountID string) (*AccountBalance, error) {
	ledgerID, err := ToLedgerID(accountID)
	if err != nil {
		return nil, err
	}
	return a.store.GetLedgerBalance(ctx, ledgerID)
}

// notifyLiquidityThreshold marks the debited account for the liquidity sweep
// when a posted debit leaves its balance at or below the declared threshold.
// Best effort: failures are logged, never surfaced to the transfer.
func (a *Adapter) notifyLiquidityThreshold(ctx context.Context, debitLedgerID string) {
	accountID, err := FromLedgerID(debitLedgerID)
	if err != nil {
		logrus.Errorf("threshold check: bad ledger id %s: %v", debitLedgerID, err)
		return
	}
	account, err := a.store.GetAccountByID(ctx, accountID)
	if err != nil {
		logrus.Errorf("threshold check: account %s: %v", accountID, err)
		return
	}
	if account.LiquidityThreshold == nil {
		return
	}
	balance, err := a.store.GetLedgerBalance(ctx, debitLedgerID)
	if err != nil {
		logrus.Errorf("threshold check: balance %s: %v", accountID, err)
		return
	}
	if balance.Posted() > *account.LiquidityThreshold {
		return
	}
	if err := a.store.SetAccountProcessAt(ctx, accountID, time.Now()); err != nil {
		logrus.Errorf("threshold check: process_at %s: %v", accountID, err)
	}
}
