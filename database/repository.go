package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/coilworks/relay/ledger"
	"github.com/coilworks/relay/model"
)

type IDataSource interface {
	account
	ledgerEngine
	outgoingPayment
}

type account interface {
	CreateAccount(ctx context.Context, account *model.Account) (*model.Account, error)
	GetAccountByID(ctx context.Context, accountID string) (*model.Account, error)
	GetAccountByAddress(ctx context.Context, address string) (*model.Account, error)
	GetDefaultAccount(ctx context.Context) (*model.Account, error)
	SetAccountProcessAt(ctx context.Context, accountID string, processAt time.Time) error
}

type ledgerEngine interface {
	CreateTransfer(ctx context.Context, transfer *model.LedgerTransfer) error
	PostTransfer(ctx context.Context, transferID string) (*model.LedgerTransfer, error)
	VoidTransfer(ctx context.Context, transferID string) (*model.LedgerTransfer, error)
	GetLedgerBalance(ctx context.Context, ledgerAccountID string) (*ledger.AccountBalance, error)
}

type outgoingPayment interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CreateQuote(ctx context.Context, quote *model.Quote) (*model.Quote, error)
	GetQuote(ctx context.Context, quoteID string) (*model.Quote, error)
	CreateOutgoingPayment(ctx context.Context, payment *model.OutgoingPayment) (*model.OutgoingPayment, error)
	GetOutgoingPayment(ctx context.Context, paymentID string) (*model.OutgoingPayment, error)
	SelectSendingPayment(ctx context.Context, tx *sql.Tx, opts SelectPaymentOptions) (*model.OutgoingPayment, error)
	GetPaymentReferences(ctx context.Context, tx *sql.Tx, paymentID string) (quoteID, walletAddressID string, locked bool, err error)
	UpdatePaymentAttempts(ctx context.Context, tx *sql.Tx, paymentID string, attempts int) error
	FailPayment(ctx context.Context, tx *sql.Tx, paymentID, errMsg string) error
	CompletePayments(ctx context.Context, paymentIDs []string) error
}
