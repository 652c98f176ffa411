package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/coilworks/relay/internal/apierror"
	"github.com/coilworks/relay/model"
)

// SelectPaymentOptions tunes the locking read that hands a payment row to a
// scheduler tick.
type SelectPaymentOptions struct {
	// PaymentID narrows the read to one row fed in from the ready queue.
	// Empty selects any eligible row.
	PaymentID string
	// BackoffSeconds is the per-attempt retry delay unit.
	BackoffSeconds int
	// BackoffCap bounds the attempts counted toward the delay.
	BackoffCap int
	// StatementTimeoutMs bounds how long the read may wait on locks.
	StatementTimeoutMs int
}

func (d Datasource) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.Conn.BeginTx(ctx, nil)
}

func (d Datasource) CreateOutgoingPayment(ctx context.Context, payment *model.OutgoingPayment) (*model.OutgoingPayment, error) {
	now := time.Now()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO outgoing_payments (payment_id, state, state_attempts, quote_id, wallet_address_id, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		payment.PaymentID, payment.State, payment.StateAttempts, payment.QuoteID, payment.WalletAddressID, payment.CreatedAt, payment.UpdatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record outgoing payment", err)
	}
	return payment, nil
}

func scanPayment(row *sql.Row, key string) (*model.OutgoingPayment, error) {
	payment := &model.OutgoingPayment{}
	var quoteID, walletAddressID, errMsg sql.NullString
	err := row.Scan(&payment.PaymentID, &payment.State, &payment.StateAttempts,
		&quoteID, &walletAddressID, &errMsg, &payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Payment '%s' not found", key), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment", err)
	}
	payment.QuoteID = quoteID.String
	payment.WalletAddressID = walletAddressID.String
	payment.Error = errMsg.String
	return payment, nil
}

func (d Datasource) GetOutgoingPayment(ctx context.Context, paymentID string) (*model.OutgoingPayment, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT payment_id, state, state_attempts, quote_id, wallet_address_id, error, created_at, updated_at
		FROM outgoing_payments
		WHERE payment_id = $1
	`, paymentID)
	return scanPayment(row, paymentID)
}

// SelectSendingPayment locks exactly one SENDING row for this worker, skipping
// rows held by concurrent workers and rows still inside their retry backoff.
// Returns (nil, nil) when no row is eligible. The statement timeout keeps a
// wedged lock from stalling the tick.
func (d Datasource) SelectSendingPayment(ctx context.Context, tx *sql.Tx, opts SelectPaymentOptions) (*model.OutgoingPayment, error) {
	if opts.StatementTimeoutMs > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.StatementTimeoutMs)); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to set statement timeout", err)
		}
	}

	query := `
		SELECT payment_id, state, state_attempts, quote_id, wallet_address_id, error, created_at, updated_at
		FROM outgoing_payments
		WHERE state = $1
		AND (state_attempts = 0 OR updated_at < NOW() - make_interval(secs => LEAST(state_attempts, $2) * $3))`
	args := []interface{}{model.PaymentStateSending, opts.BackoffCap, opts.BackoffSeconds}
	if opts.PaymentID != "" {
		query += `
		AND payment_id = $4`
		args = append(args, opts.PaymentID)
	}
	query += `
		ORDER BY updated_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	row := tx.QueryRowContext(ctx, query, args...)
	payment, err := scanPayment(row, opts.PaymentID)
	if err != nil {
		if apiErr, ok := err.(apierror.APIError); ok && apiErr.Code == apierror.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return payment, nil
}

// GetPaymentReferences re-reads the current quote and wallet-address
// associations for a payment whose body came from the snapshot cache, and
// takes the row lock in the same read. locked reports false when a
// concurrent worker already holds the row or it left SENDING.
func (d Datasource) GetPaymentReferences(ctx context.Context, tx *sql.Tx, paymentID string) (string, string, bool, error) {
	var quoteID, walletAddressID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT quote_id, wallet_address_id
		FROM outgoing_payments
		WHERE payment_id = $1 AND state = $2
		FOR UPDATE SKIP LOCKED
	`, paymentID, model.PaymentStateSending).Scan(&quoteID, &walletAddressID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read payment references", err)
	}
	return quoteID.String, walletAddressID.String, true, nil
}

// UpdatePaymentAttempts persists only the retry counter; the payment stays in
// SENDING.
func (d Datasource) UpdatePaymentAttempts(ctx context.Context, tx *sql.Tx, paymentID string, attempts int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outgoing_payments SET state_attempts = $2, updated_at = NOW() WHERE payment_id = $1
	`, paymentID, attempts)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update payment attempts", err)
	}
	return nil
}

// FailPayment transitions a payment to its terminal FAILED state with the
// last error recorded.
func (d Datasource) FailPayment(ctx context.Context, tx *sql.Tx, paymentID, errMsg string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outgoing_payments SET state = $2, error = $3, updated_at = NOW() WHERE payment_id = $1
	`, paymentID, model.PaymentStateFailed, errMsg)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fail payment", err)
	}
	return nil
}

// CompletePayments marks a drained batch of payment ids COMPLETED in one
// transaction. Any failure rolls the whole batch back. Only rows still in
// SENDING are touched, so a flush that lands after a payment was failed or
// cancelled cannot overwrite the terminal state.
func (d Datasource) CompletePayments(ctx context.Context, paymentIDs []string) error {
	if len(paymentIDs) == 0 {
		return nil
	}
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin completion flush", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE outgoing_payments SET state = $1, state_attempts = 0, updated_at = NOW() WHERE payment_id = ANY($2) AND state = $3
	`, model.PaymentStateCompleted, pq.Array(paymentIDs), model.PaymentStateSending)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to complete payments", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit completion flush", err)
	}
	return nil
}
