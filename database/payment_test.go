package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/coilworks/relay/internal/apierror"
	"github.com/coilworks/relay/model"
)

var paymentColumns = []string{"payment_id", "state", "state_attempts", "quote_id", "wallet_address_id", "error", "created_at", "updated_at"}

func paymentRows(payment *model.OutgoingPayment) *sqlmock.Rows {
	return sqlmock.NewRows(paymentColumns).
		AddRow(payment.PaymentID, payment.State, payment.StateAttempts,
			payment.QuoteID, payment.WalletAddressID, payment.Error, time.Now(), time.Now())
}

func fakePayment() *model.OutgoingPayment {
	return &model.OutgoingPayment{
		PaymentID:       uuid.NewString(),
		State:           model.PaymentStateSending,
		QuoteID:         uuid.NewString(),
		WalletAddressID: uuid.NewString(),
	}
}

func TestCreateOutgoingPayment(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	payment := fakePayment()

	mock.ExpectExec("INSERT INTO outgoing_payments").
		WithArgs(payment.PaymentID, payment.State, 0, payment.QuoteID, payment.WalletAddressID,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := datasource.CreateOutgoingPayment(context.Background(), payment)
	assert.NoError(t, err)
	assert.WithinDuration(t, time.Now(), created.CreatedAt, time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOutgoingPayment(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	payment := fakePayment()

	mock.ExpectQuery("FROM outgoing_payments").
		WithArgs(payment.PaymentID).
		WillReturnRows(paymentRows(payment))

	found, err := datasource.GetOutgoingPayment(context.Background(), payment.PaymentID)
	assert.NoError(t, err)
	assert.Equal(t, payment.PaymentID, found.PaymentID)
	assert.Equal(t, payment.QuoteID, found.QuoteID)
}

func TestGetOutgoingPaymentNotFound(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectQuery("FROM outgoing_payments").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(paymentColumns))

	_, err := datasource.GetOutgoingPayment(context.Background(), "missing")
	assert.True(t, apierror.IsNotFound(err))
}

func TestSelectSendingPaymentLocksOneRow(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	payment := fakePayment()
	payment.StateAttempts = 2

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(model.PaymentStateSending, 6, 10).
		WillReturnRows(paymentRows(payment))

	tx, err := datasource.BeginTx(context.Background())
	assert.NoError(t, err)

	selected, err := datasource.SelectSendingPayment(context.Background(), tx, SelectPaymentOptions{
		BackoffSeconds:     10,
		BackoffCap:         6,
		StatementTimeoutMs: 1000,
	})
	assert.NoError(t, err)
	assert.Equal(t, payment.PaymentID, selected.PaymentID)
	assert.Equal(t, 2, selected.StateAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectSendingPaymentFiltersByID(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	payment := fakePayment()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(model.PaymentStateSending, 6, 10, payment.PaymentID).
		WillReturnRows(paymentRows(payment))

	tx, err := datasource.BeginTx(context.Background())
	assert.NoError(t, err)

	selected, err := datasource.SelectSendingPayment(context.Background(), tx, SelectPaymentOptions{
		PaymentID:          payment.PaymentID,
		BackoffSeconds:     10,
		BackoffCap:         6,
		StatementTimeoutMs: 1000,
	})
	assert.NoError(t, err)
	assert.Equal(t, payment.PaymentID, selected.PaymentID)
}

func TestSelectSendingPaymentNoEligibleRow(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows(paymentColumns))

	tx, err := datasource.BeginTx(context.Background())
	assert.NoError(t, err)

	selected, err := datasource.SelectSendingPayment(context.Background(), tx, SelectPaymentOptions{
		BackoffSeconds:     10,
		BackoffCap:         6,
		StatementTimeoutMs: 1000,
	})
	assert.NoError(t, err)
	assert.Nil(t, selected)
}

func TestGetPaymentReferences(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	paymentID := uuid.NewString()
	quoteID := uuid.NewString()
	walletID := uuid.NewString()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(paymentID, model.PaymentStateSending).
		WillReturnRows(sqlmock.NewRows([]string{"quote_id", "wallet_address_id"}).AddRow(quoteID, walletID))

	tx, err := datasource.BeginTx(context.Background())
	assert.NoError(t, err)

	gotQuote, gotWallet, locked, err := datasource.GetPaymentReferences(context.Background(), tx, paymentID)
	assert.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, quoteID, gotQuote)
	assert.Equal(t, walletID, gotWallet)
}

func TestGetPaymentReferencesRowHeldElsewhere(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows([]string{"quote_id", "wallet_address_id"}))

	tx, err := datasource.BeginTx(context.Background())
	assert.NoError(t, err)

	_, _, locked, err := datasource.GetPaymentReferences(context.Background(), tx, uuid.NewString())
	assert.NoError(t, err)
	assert.False(t, locked)
}

func TestUpdatePaymentAttempts(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	paymentID := uuid.NewString()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outgoing_payments SET state_attempts").
		WithArgs(paymentID, 3).
		WillReturnResult(sqlmock.NewResult(1, 1))

	tx, err := datasource.BeginTx(context.Background())
	assert.NoError(t, err)

	assert.NoError(t, datasource.UpdatePaymentAttempts(context.Background(), tx, paymentID, 3))
}

func TestFailPayment(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	paymentID := uuid.NewString()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outgoing_payments SET state").
		WithArgs(paymentID, model.PaymentStateFailed, "receiver rejected payment").
		WillReturnResult(sqlmock.NewResult(1, 1))

	tx, err := datasource.BeginTx(context.Background())
	assert.NoError(t, err)

	assert.NoError(t, datasource.FailPayment(context.Background(), tx, paymentID, "receiver rejected payment"))
}

func TestCompletePaymentsBulkUpdate(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outgoing_payments SET state").
		WithArgs(model.PaymentStateCompleted, pq.Array(ids), model.PaymentStateSending).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	assert.NoError(t, datasource.CompletePayments(context.Background(), ids))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletePaymentsOnlyTouchesSendingRows(t *testing.T) {
	datasource, mock := newTestDatasource(t)
	ids := []string{uuid.NewString(), uuid.NewString()}

	// One id was failed after entering the batch; the guard must leave its
	// terminal state alone, so the update matches fewer rows than ids.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outgoing_payments SET state = \$1, state_attempts = 0, updated_at = NOW\(\) WHERE payment_id = ANY\(\$2\) AND state = \$3`).
		WithArgs(model.PaymentStateCompleted, pq.Array(ids), model.PaymentStateSending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, datasource.CompletePayments(context.Background(), ids))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletePaymentsEmptyBatchIsNoOp(t *testing.T) {
	datasource, mock := newTestDatasource(t)

	assert.NoError(t, datasource.CompletePayments(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
