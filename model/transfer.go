package model

import (
	"fmt"
	"time"
)

// TransferType tags a ledger transfer with the flow it belongs to.
type TransferType string

const (
	TransferTypeTransfer    TransferType = "TRANSFER"
	TransferTypeDeposit     TransferType = "DEPOSIT"
	TransferTypeWithdrawal  TransferType = "WITHDRAWAL"
	TransferTypeUnspecified TransferType = "UNSPECIFIED"
)

// Ledger transfer states. A pending transfer holds funds until it is posted,
// voided, or its timeout elapses.
const (
	TransferStatePending = "PENDING"
	TransferStatePosted  = "POSTED"
	TransferStateVoided  = "VOID"
	TransferStateExpired = "EXPIRED"
)

// TransferTypeFromCode maps the ledger's small integer type code to a
// TransferType. Unknown codes degrade to TransferTypeUnspecified.
func TransferTypeFromCode(code uint16) TransferType {
	switch code {
	case 1:
		return TransferTypeTransfer
	case 2:
		return TransferTypeDeposit
	case 3:
		return TransferTypeWithdrawal
	default:
		return TransferTypeUnspecified
	}
}

// Code returns the ledger's integer code for a transfer type. The zero code
// is reserved for unspecified.
func (t TransferType) Code() uint16 {
	switch t {
	case TransferTypeTransfer:
		return 1
	case TransferTypeDeposit:
		return 2
	case TransferTypeWithdrawal:
		return 3
	default:
		return 0
	}
}

// LedgerTransfer is a two-phase transfer as the ledger engine sees it. Ids
// are the decimal rendering of the ledger's 128-bit identifiers.
type LedgerTransfer struct {
	TransferID      string       `json:"transfer_id"`
	DebitAccountID  string       `json:"debit_account_id"`
	CreditAccountID string       `json:"credit_account_id"`
	Amount          uint64       `json:"amount"`
	Type            TransferType `json:"type"`
	Ledger          int32        `json:"ledger"`
	TimeoutSeconds  uint32       `json:"timeout_seconds"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	State           string       `json:"state"`
	CreatedAt       time.Time    `json:"created_at"`
}

// TransferErrorCode enumerates the expected ledger outcomes. These are
// recoverable results, not faults.
type TransferErrorCode string

const (
	TransferErrInsufficientBalance   TransferErrorCode = "INSUFFICIENT_BALANCE"
	TransferErrInsufficientLiquidity TransferErrorCode = "INSUFFICIENT_LIQUIDITY"
	TransferErrUnknownAccount        TransferErrorCode = "UNKNOWN_ACCOUNT"
	TransferErrInvalidAmount         TransferErrorCode = "INVALID_AMOUNT"
)

// TransferError is the tagged result type for ledger operations. Callers
// branch on Code rather than matching error strings.
type TransferError struct {
	Code TransferErrorCode
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("ledger transfer failed: %s", e.Code)
}

// NewTransferError wraps a ledger outcome code as an error value.
func NewTransferError(code TransferErrorCode) *TransferError {
	return &TransferError{Code: code}
}
