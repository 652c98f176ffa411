package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coilworks/relay/model"
)

// ErrAccountNotFound is returned by directory lookups that resolve nothing.
var ErrAccountNotFound = errors.New("account not found")

// AccountDirectory resolves destination addresses to accounts. The pipeline
// only reads accounts; row ownership stays with the directory.
type AccountDirectory interface {
	Lookup(ctx context.Context, destination string) (*model.Account, error)
	LookupByID(ctx context.Context, accountID string) (*model.Account, error)
	DefaultAccount(ctx context.Context) (*model.Account, error)
}

// AccountHandler binds the outgoing account for the packet: a known peer
// segment wins, then a decoded stream-tag target, then the SPSP default
// account for the local segment.
type AccountHandler struct {
	directory  AccountDirectory
	ilpAddress string
}

func NewAccountHandler(directory AccountDirectory, ilpAddress string) *AccountHandler {
	return &AccountHandler{directory: directory, ilpAddress: ilpAddress}
}

func (h *AccountHandler) Name() string {
	return "Resolving destination account"
}

func (h *AccountHandler) resolve(ctx context.Context, pctx *PacketContext) (*model.Account, error) {
	destination := pctx.Packet.Destination

	if !strings.HasPrefix(destination, h.ilpAddress+".") && destination != h.ilpAddress {
		// Destined past the local segment: route on the peer prefix.
		account, err := h.directory.Lookup(ctx, destination)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, ErrAccountNotFound
	}

	if pctx.StreamDestination != "" {
		account, err := h.directory.LookupByID(ctx, pctx.StreamDestination)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
	}

	account, err := h.directory.DefaultAccount(ctx)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (h *AccountHandler) Process(ctx context.Context, pctx *PacketContext, next NextFunc) (*model.Reply, error) {
	account, err := h.resolve(ctx, pctx)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return model.NewReject(model.CodeUnreachable, "unknown destination account"), nil
		}
		return nil, err
	}
	if account.Disabled {
		return model.NewReject(model.CodeUnreachable, "destination account is disabled"), nil
	}
	if account.MaxPacketAmount != nil && pctx.Packet.Amount > *account.MaxPacketAmount {
		return model.NewReject(model.CodeAmountTooLarge,
			fmt.Sprintf("packet amount exceeds maximum of %d", *account.MaxPacketAmount)), nil
	}
	pctx.OutgoingAccount = account
	return next(ctx)
}
