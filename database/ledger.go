package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/coilworks/relay/internal/apierror"
	"github.com/coilworks/relay/ledger"
	"github.com/coilworks/relay/model"
)

var ledgerTracer = otel.Tracer("database.ledger")

type ledgerAccountRow struct {
	accountID      string
	debitsPending  uint64
	debitsPosted   uint64
	creditsPending uint64
	creditsPosted  uint64
}

// lockLedgerAccounts locks both account rows in id order so concurrent
// transfers on the same pair cannot deadlock.
func lockLedgerAccounts(ctx context.Context, tx *sql.Tx, debitID, creditID string) (map[string]*ledgerAccountRow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT account_id, debits_pending, debits_posted, credits_pending, credits_posted
		FROM ledger_accounts
		WHERE account_id IN ($1, $2)
		ORDER BY account_id
		FOR UPDATE
	`, debitID, creditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make(map[string]*ledgerAccountRow)
	for rows.Next() {
		row := &ledgerAccountRow{}
		if err := rows.Scan(&row.accountID, &row.debitsPending, &row.debitsPosted, &row.creditsPending, &row.creditsPosted); err != nil {
			return nil, err
		}
		accounts[row.accountID] = row
	}
	return accounts, rows.Err()
}

// CreateTransfer reserves funds with a pending two-phase transfer. Expected
// outcomes (unknown account, insufficient balance or liquidity, bad amount)
// come back as *model.TransferError; anything else is an infrastructure fault.
func (d Datasource) CreateTransfer(ctx context.Context, transfer *model.LedgerTransfer) error {
	ctx, span := ledgerTracer.Start(ctx, "Creating pending transfer")
	defer span.End()

	if transfer.Amount == 0 {
		return model.NewTransferError(model.TransferErrInvalidAmount)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transfer", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	accounts, err := lockLedgerAccounts(ctx, tx, transfer.DebitAccountID, transfer.CreditAccountID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock ledger accounts", err)
	}
	debit, ok := accounts[transfer.DebitAccountID]
	if !ok {
		return model.NewTransferError(model.TransferErrUnknownAccount)
	}
	if _, ok := accounts[transfer.CreditAccountID]; !ok {
		return model.NewTransferError(model.TransferErrUnknownAccount)
	}

	posted := int64(debit.creditsPosted) - int64(debit.debitsPosted)
	if posted < int64(transfer.Amount) {
		return model.NewTransferError(model.TransferErrInsufficientBalance)
	}
	if posted-int64(debit.debitsPending) < int64(transfer.Amount) {
		return model.NewTransferError(model.TransferErrInsufficientLiquidity)
	}

	transfer.State = model.TransferStatePending
	transfer.CreatedAt = time.Now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_transfers (transfer_id, debit_account_id, credit_account_id, amount, transfer_type, ledger, timeout_seconds, expires_at, state, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		transfer.TransferID, transfer.DebitAccountID, transfer.CreditAccountID, transfer.Amount,
		transfer.Type.Code(), transfer.Ledger, transfer.TimeoutSeconds, transfer.ExpiresAt,
		transfer.State, transfer.CreatedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transfer", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE ledger_accounts SET debits_pending = debits_pending + $2 WHERE account_id = $1`,
		transfer.DebitAccountID, transfer.Amount,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to hold debit", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE ledger_accounts SET credits_pending = credits_pending + $2 WHERE account_id = $1`,
		transfer.CreditAccountID, transfer.Amount,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to hold credit", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transfer", err)
	}
	return nil
}

func (d Datasource) getTransferForUpdate(ctx context.Context, tx *sql.Tx, transferID string) (*model.LedgerTransfer, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT transfer_id, debit_account_id, credit_account_id, amount, transfer_type, ledger, timeout_seconds, expires_at, state, created_at
		FROM ledger_transfers
		WHERE transfer_id = $1
		FOR UPDATE
	`, transferID)

	transfer := &model.LedgerTransfer{}
	var typeCode uint16
	err := row.Scan(&transfer.TransferID, &transfer.DebitAccountID, &transfer.CreditAccountID,
		&transfer.Amount, &typeCode, &transfer.Ledger, &transfer.TimeoutSeconds,
		&transfer.ExpiresAt, &transfer.State, &transfer.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transfer '%s' not found", transferID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transfer", err)
	}
	transfer.Type = model.TransferTypeFromCode(typeCode)
	return transfer, nil
}

func releaseHolds(ctx context.Context, tx *sql.Tx, transfer *model.LedgerTransfer) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE ledger_accounts SET debits_pending = debits_pending - $2 WHERE account_id = $1`,
		transfer.DebitAccountID, transfer.Amount,
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE ledger_accounts SET credits_pending = credits_pending - $2 WHERE account_id = $1`,
		transfer.CreditAccountID, transfer.Amount,
	)
	return err
}

// PostTransfer finalizes a pending transfer, moving the held amount to the
// posted aggregates. Posting an already posted transfer is a no-op so racing
// retries stay safe.
func (d Datasource) PostTransfer(ctx context.Context, transferID string) (*model.LedgerTransfer, error) {
	ctx, span := ledgerTracer.Start(ctx, "Posting transfer")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin post", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	transfer, err := d.getTransferForUpdate(ctx, tx, transferID)
	if err != nil {
		return nil, err
	}

	switch transfer.State {
	case model.TransferStatePosted:
		return transfer, tx.Commit()
	case model.TransferStateVoided, model.TransferStateExpired:
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transfer '%s' already released", transferID), nil)
	}

	if transfer.ExpiresAt != nil && transfer.ExpiresAt.Before(time.Now()) {
		if err := releaseHolds(ctx, tx, transfer); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release expired holds", err)
		}
		transfer.State = model.TransferStateExpired
		if _, err := tx.ExecContext(ctx, `UPDATE ledger_transfers SET state = $2 WHERE transfer_id = $1`, transferID, transfer.State); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to expire transfer", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit expiry", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transfer '%s' expired before post", transferID), nil)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE ledger_accounts SET debits_pending = debits_pending - $2, debits_posted = debits_posted + $2 WHERE account_id = $1`,
		transfer.DebitAccountID, transfer.Amount,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to post debit", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE ledger_accounts SET credits_pending = credits_pending - $2, credits_posted = credits_posted + $2 WHERE account_id = $1`,
		transfer.CreditAccountID, transfer.Amount,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to post credit", err)
	}

	transfer.State = model.TransferStatePosted
	_, err = tx.ExecContext(ctx, `UPDATE ledger_transfers SET state = $2 WHERE transfer_id = $1`, transferID, transfer.State)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update transfer state", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit post", err)
	}
	return transfer, nil
}

// VoidTransfer releases a pending transfer's hold. Voiding an already voided
// or expired transfer is a no-op.
func (d Datasource) VoidTransfer(ctx context.Context, transferID string) (*model.LedgerTransfer, error) {
	ctx, span := ledgerTracer.Start(ctx, "Voiding transfer")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin void", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	transfer, err := d.getTransferForUpdate(ctx, tx, transferID)
	if err != nil {
		return nil, err
	}

	switch transfer.State {
	case model.TransferStateVoided, model.TransferStateExpired:
		return transfer, tx.Commit()
	case model.TransferStatePosted:
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transfer '%s' already posted", transferID), nil)
	}

	if err := releaseHolds(ctx, tx, transfer); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release holds", err)
	}

	transfer.State = model.TransferStateVoided
	if transfer.ExpiresAt != nil && transfer.ExpiresAt.Before(time.Now()) {
		transfer.State = model.TransferStateExpired
	}
	_, err = tx.ExecContext(ctx, `UPDATE ledger_transfers SET state = $2 WHERE transfer_id = $1`, transferID, transfer.State)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update transfer state", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit void", err)
	}
	return transfer, nil
}

// GetLedgerBalance returns one ledger account's aggregates.
func (d Datasource) GetLedgerBalance(ctx context.Context, ledgerAccountID string) (*ledger.AccountBalance, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT debits_pending, debits_posted, credits_pending, credits_posted
		FROM ledger_accounts
		WHERE account_id = $1
	`, ledgerAccountID)

	balance := &ledger.AccountBalance{}
	err := row.Scan(&balance.DebitsPending, &balance.DebitsPosted, &balance.CreditsPending, &balance.CreditsPosted)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewTransferError(model.TransferErrUnknownAccount)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve ledger balance", err)
	}
	return balance, nil
}
