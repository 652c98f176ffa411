package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// The ledger engine keys accounts and transfers by fixed-width 128-bit
// integers. Domain ids are UUID-shaped; the mapping strips the separators and
// reinterprets the 32 hex digits as one big-endian integer. The mapping is a
// bijection over the full 128-bit space, leading zeros included.

var maxLedgerID = new(big.Int).Lsh(big.NewInt(1), 128)

// ToLedgerID converts a domain UUID string to the ledger's 128-bit id,
// rendered in decimal.
func ToLedgerID(domainID string) (string, error) {
	id, err := uuid.Parse(domainID)
	if err != nil {
		return "", fmt.Errorf("invalid domain id %q: %w", domainID, err)
	}
	hexDigits := strings.ReplaceAll(id.String(), "-", "")
	n, ok := new(big.Int).SetString(hexDigits, 16)
	if !ok {
		return "", fmt.Errorf("invalid domain id %q", domainID)
	}
	return n.String(), nil
}

// FromLedgerID converts the ledger's 128-bit id back to the domain UUID
// string, left-padding to 32 hex digits before re-inserting the 8-4-4-4-12
// separators.
func FromLedgerID(ledgerID string) (string, error) {
	n, ok := new(big.Int).SetString(ledgerID, 10)
	if !ok || n.Sign() < 0 || n.Cmp(maxLedgerID) >= 0 {
		return "", fmt.Errorf("invalid ledger id %q", ledgerID)
	}
	hexDigits := fmt.Sprintf("%032x", n)
	return strings.Join([]string{
		hexDigits[0:8],
		hexDigits[8:12],
		hexDigits[12:16],
		hexDigits[16:20],
		hexDigits[20:32],
	}, "-"), nil
}
