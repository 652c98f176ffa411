package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coilworks/relay/internal/apierror"
	"github.com/coilworks/relay/ledger"
	"github.com/coilworks/relay/model"
)

const accountColumns = `account_id, address, asset_code, asset_scale, liquidity_threshold, max_packet_amount, disabled, is_default, process_at, created_at`

// CreateAccount inserts a domain account together with its zeroed ledger
// aggregate row. The ledger row is keyed by the 128-bit mapping of the
// account id, so the two stay deterministically linked.
func (d Datasource) CreateAccount(ctx context.Context, account *model.Account) (*model.Account, error) {
	ledgerID, err := ledger.ToLedgerID(account.AccountID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid account id", err)
	}

	account.CreatedAt = time.Now()
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (account_id, address, asset_code, asset_scale, liquidity_threshold, max_packet_amount, disabled, is_default, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		account.AccountID, account.Address, account.Asset.Code, account.Asset.Scale, account.LiquidityThreshold, account.MaxPacketAmount, account.Disabled, account.Default, account.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create account", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_accounts (account_id) VALUES ($1)`, ledgerID,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create ledger account", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit account", err)
	}
	return account, nil
}

func (d Datasource) scanAccount(row *sql.Row, key string) (*model.Account, error) {
	account := &model.Account{}
	err := row.Scan(&account.AccountID, &account.Address, &account.Asset.Code, &account.Asset.Scale,
		&account.LiquidityThreshold, &account.MaxPacketAmount, &account.Disabled, &account.Default,
		&account.ProcessAt, &account.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Account '%s' not found", key), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve account", err)
	}
	return account, nil
}

func (d Datasource) GetAccountByID(ctx context.Context, accountID string) (*model.Account, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE account_id = $1
	`, accountID)
	return d.scanAccount(row, accountID)
}

// GetAccountByAddress resolves a destination to the account with the longest
// matching address prefix, so peers own whole address subtrees.
func (d Datasource) GetAccountByAddress(ctx context.Context, address string) (*model.Account, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE $1 = address OR $1 LIKE address || '.%'
		ORDER BY LENGTH(address) DESC
		LIMIT 1
	`, address)
	return d.scanAccount(row, address)
}

// GetDefaultAccount returns the SPSP fallback account for the local segment.
func (d Datasource) GetDefaultAccount(ctx context.Context) (*model.Account, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE is_default = TRUE
	`)
	return d.scanAccount(row, "default")
}

// SetAccountProcessAt marks an account for the liquidity sweep.
func (d Datasource) SetAccountProcessAt(ctx context.Context, accountID string, processAt time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE accounts SET process_at = $2 WHERE account_id = $1
	`, accountID, processAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update process_at", err)
	}
	return nil
}
