package database

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/coilworks/relay/internal/apierror"
	"github.com/coilworks/relay/model"
)

func newTestDatasource(t *testing.T) (Datasource, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		log.Printf("an error '%s' was not expected when opening a stub database Connection", err)
		t.FailNow()
	}
	t.Cleanup(func() { _ = db.Close() })
	return Datasource{Conn: db}, mock
}

func ledgerAccountRows(debitID string, debitBalance [4]uint64, creditID string, creditBalance [4]uint64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"account_id", "debits_pending", "debits_posted", "credits_pending", "credits_posted"}).
		AddRow(debitID, debitBalance[0], debitBalance[1], debitBalance[2], debitBalance[3]).
		AddRow(creditID, creditBalance[0], creditBalance[1], creditBalance[2], creditBalance[3])
}

func pendingTransfer(debitID, creditID string) *model.LedgerTransfer {
	return &model.LedgerTransfer{
		TransferID:      "111",
		DebitAccountID:  debitID,
		CreditAccountID: creditID,
		Amount:          500,
		Type:            model.TransferTypeTransfer,
		Ledger:          1,
	}
}

func TestCreateTransferReservesHolds(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	transfer := pendingTransfer("10", "20")

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_accounts").
		WithArgs("10", "20").
		WillReturnRows(ledgerAccountRows("10", [4]uint64{0, 0, 0, 1000}, "20", [4]uint64{0, 0, 0, 0}))
	mock.ExpectExec("INSERT INTO ledger_transfers").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_accounts SET debits_pending").
		WithArgs("10", uint64(500)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_accounts SET credits_pending").
		WithArgs("20", uint64(500)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := datasource.CreateTransfer(context.Background(), transfer)
	assert.NoError(t, err)
	assert.Equal(t, model.TransferStatePending, transfer.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransferInsufficientBalance(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_accounts").
		WillReturnRows(ledgerAccountRows("10", [4]uint64{0, 0, 0, 499}, "20", [4]uint64{0, 0, 0, 0}))
	mock.ExpectRollback()

	err := datasource.CreateTransfer(context.Background(), pendingTransfer("10", "20"))

	var terr *model.TransferError
	assert.True(t, errors.As(err, &terr))
	assert.Equal(t, model.TransferErrInsufficientBalance, terr.Code)
}

func TestCreateTransferInsufficientLiquidity(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	// Posted covers the amount, but pending holds consume too much of it.
	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_accounts").
		WillReturnRows(ledgerAccountRows("10", [4]uint64{600, 0, 0, 1000}, "20", [4]uint64{0, 0, 0, 0}))
	mock.ExpectRollback()

	err := datasource.CreateTransfer(context.Background(), pendingTransfer("10", "20"))

	var terr *model.TransferError
	assert.True(t, errors.As(err, &terr))
	assert.Equal(t, model.TransferErrInsufficientLiquidity, terr.Code)
}

func TestCreateTransferUnknownAccount(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_accounts").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "debits_pending", "debits_posted", "credits_pending", "credits_posted"}).
			AddRow("10", 0, 0, 0, 1000))
	mock.ExpectRollback()

	err := datasource.CreateTransfer(context.Background(), pendingTransfer("10", "20"))

	var terr *model.TransferError
	assert.True(t, errors.As(err, &terr))
	assert.Equal(t, model.TransferErrUnknownAccount, terr.Code)
}

func TestCreateTransferZeroAmount(t *testing.T) {
	datasource, _ := newTestDatasource(t)

	transfer := pendingTransfer("10", "20")
	transfer.Amount = 0
	err := datasource.CreateTransfer(context.Background(), transfer)

	var terr *model.TransferError
	assert.True(t, errors.As(err, &terr))
	assert.Equal(t, model.TransferErrInvalidAmount, terr.Code)
}

func transferRow(state string, expiresAt *time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"transfer_id", "debit_account_id", "credit_account_id", "amount",
		"transfer_type", "ledger", "timeout_seconds", "expires_at", "state", "created_at"}).
		AddRow("111", "10", "20", 500, 1, 1, 5, expiresAt, state, time.Now())
}

func TestPostTransferCommitsHolds(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	expiresAt := time.Now().Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_transfers").
		WithArgs("111").
		WillReturnRows(transferRow(model.TransferStatePending, &expiresAt))
	mock.ExpectExec("UPDATE ledger_accounts SET debits_pending").
		WithArgs("10", uint64(500)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_accounts SET credits_pending").
		WithArgs("20", uint64(500)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_transfers SET state").
		WithArgs("111", model.TransferStatePosted).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	transfer, err := datasource.PostTransfer(context.Background(), "111")
	assert.NoError(t, err)
	assert.Equal(t, model.TransferStatePosted, transfer.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostTransferIdempotentOnPosted(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_transfers").
		WithArgs("111").
		WillReturnRows(transferRow(model.TransferStatePosted, nil))
	mock.ExpectCommit()

	transfer, err := datasource.PostTransfer(context.Background(), "111")
	assert.NoError(t, err)
	assert.Equal(t, model.TransferStatePosted, transfer.State)
	// No aggregate updates happened.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostTransferConflictsOnVoided(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_transfers").
		WithArgs("111").
		WillReturnRows(transferRow(model.TransferStateVoided, nil))
	mock.ExpectRollback()

	_, err := datasource.PostTransfer(context.Background(), "111")
	assert.True(t, apierror.IsConflict(err))
}

func TestPostTransferExpiresStalePending(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	expiresAt := time.Now().Add(-time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_transfers").
		WithArgs("111").
		WillReturnRows(transferRow(model.TransferStatePending, &expiresAt))
	mock.ExpectExec("UPDATE ledger_accounts SET debits_pending").
		WithArgs("10", uint64(500)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_accounts SET credits_pending").
		WithArgs("20", uint64(500)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_transfers SET state").
		WithArgs("111", model.TransferStateExpired).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// The expired hold is released on read, and the post reports the conflict.
	_, err := datasource.PostTransfer(context.Background(), "111")
	assert.True(t, apierror.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostTransferNotFound(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_transfers").
		WithArgs("999").
		WillReturnRows(sqlmock.NewRows([]string{"transfer_id", "debit_account_id", "credit_account_id", "amount",
			"transfer_type", "ledger", "timeout_seconds", "expires_at", "state", "created_at"}))
	mock.ExpectRollback()

	_, err := datasource.PostTransfer(context.Background(), "999")
	assert.True(t, apierror.IsNotFound(err))
}

func TestVoidTransferReleasesHolds(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_transfers").
		WithArgs("111").
		WillReturnRows(transferRow(model.TransferStatePending, nil))
	mock.ExpectExec("UPDATE ledger_accounts SET debits_pending").
		WithArgs("10", uint64(500)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_accounts SET credits_pending").
		WithArgs("20", uint64(500)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_transfers SET state").
		WithArgs("111", model.TransferStateVoided).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	transfer, err := datasource.VoidTransfer(context.Background(), "111")
	assert.NoError(t, err)
	assert.Equal(t, model.TransferStateVoided, transfer.State)
}

func TestVoidTransferIdempotentOnVoided(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_transfers").
		WithArgs("111").
		WillReturnRows(transferRow(model.TransferStateVoided, nil))
	mock.ExpectCommit()

	transfer, err := datasource.VoidTransfer(context.Background(), "111")
	assert.NoError(t, err)
	assert.Equal(t, model.TransferStateVoided, transfer.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVoidTransferConflictsOnPosted(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_transfers").
		WithArgs("111").
		WillReturnRows(transferRow(model.TransferStatePosted, nil))
	mock.ExpectRollback()

	_, err := datasource.VoidTransfer(context.Background(), "111")
	assert.True(t, apierror.IsConflict(err))
}

func TestVoidTransferMarksExpiredWhenPastDeadline(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	expiresAt := time.Now().Add(-time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_transfers").
		WithArgs("111").
		WillReturnRows(transferRow(model.TransferStatePending, &expiresAt))
	mock.ExpectExec("UPDATE ledger_accounts SET debits_pending").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_accounts SET credits_pending").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_transfers SET state").
		WithArgs("111", model.TransferStateExpired).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	transfer, err := datasource.VoidTransfer(context.Background(), "111")
	assert.NoError(t, err)
	assert.Equal(t, model.TransferStateExpired, transfer.State)
}

func TestGetLedgerBalance(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectQuery("FROM ledger_accounts").
		WithArgs("10").
		WillReturnRows(sqlmock.NewRows([]string{"debits_pending", "debits_posted", "credits_pending", "credits_posted"}).
			AddRow(5, 100, 10, 400))

	balance, err := datasource.GetLedgerBalance(context.Background(), "10")
	assert.NoError(t, err)
	assert.Equal(t, int64(300), balance.Posted())
	assert.Equal(t, int64(295), balance.Available())
}

func TestGetLedgerBalanceUnknownAccount(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectQuery("FROM ledger_accounts").
		WithArgs("999").
		WillReturnRows(sqlmock.NewRows([]string{"debits_pending", "debits_posted", "credits_pending", "credits_posted"}))

	_, err := datasource.GetLedgerBalance(context.Background(), "999")

	var terr *model.TransferError
	assert.True(t, errors.As(err, &terr))
	assert.Equal(t, model.TransferErrUnknownAccount, terr.Code)
}
