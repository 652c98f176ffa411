package relay

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/coilworks/relay/ledger"
	"github.com/coilworks/relay/model"
)

// TransferService is the slice of the ledger adapter the pipeline uses.
type TransferService interface {
	Reserve(ctx context.Context, req ledger.TransferRequest) (*model.LedgerTransfer, error)
	Post(ctx context.Context, transferID string) error
	Void(ctx context.Context, transferID string) error
}

// BalanceHandler reserves the destination amount with a two-phase ledger
// transfer, then posts or voids it once the downstream outcome is known.
// Zero-amount packets skip reservation entirely.
type BalanceHandler struct {
	transfers          TransferService
	rates              RateProvider
	reservationTimeout uint32
}

func NewBalanceHandler(transfers TransferService, rates RateProvider, reservationTimeout uint32) *BalanceHandler {
	return &BalanceHandler{
		transfers:          transfers,
		rates:              rates,
		reservationTimeout: reservationTimeout,
	}
}

func (h *BalanceHandler) Name() string {
	return "Reserving balance"
}

func rejectForTransferError(terr *model.TransferError) *model.Reply {
	switch terr.Code {
	case model.TransferErrInsufficientBalance:
		return model.NewReject(model.CodeInsufficientLiquidity, "insufficient balance")
	case model.TransferErrInsufficientLiquidity:
		return model.NewReject(model.CodeInsufficientLiquidity, "insufficient liquidity")
	case model.TransferErrUnknownAccount:
		return model.NewReject(model.CodeUnreachable, "unknown ledger account")
	default:
		return model.NewReject(model.CodeBadRequest, "invalid transfer amount")
	}
}

func (h *BalanceHandler) Process(ctx context.Context, pctx *PacketContext, next NextFunc) (*model.Reply, error) {
	if pctx.Packet.Amount == 0 {
		return next(ctx)
	}

	destinationAmount, err := h.rates.Convert(ctx, pctx.Packet.Amount,
		pctx.IncomingAccount.Asset, pctx.OutgoingAccount.Asset)
	if err != nil {
		return model.NewReject(model.CodeCannotReceive, "cannot convert to destination asset"), nil
	}

	// A stream-tag target issues a further leg itself; its reservation is
	// evaluated by the stream layer, so it carries no timeout.
	timeout := h.reservationTimeout
	if pctx.StreamDestination != "" {
		timeout = 0
	}

	transferID := uuid.NewString()
	_, err = h.transfers.Reserve(ctx, ledger.TransferRequest{
		TransferID:      transferID,
		DebitAccountID:  pctx.IncomingAccount.AccountID,
		CreditAccountID: pctx.OutgoingAccount.AccountID,
		Amount:          destinationAmount,
		Type:            model.TransferTypeTransfer,
		TimeoutSeconds:  timeout,
	})
	if err != nil {
		var terr *model.TransferError
		if errors.As(err, &terr) {
			return rejectForTransferError(terr), nil
		}
		return nil, err
	}

	reply, err := next(ctx)
	if err == nil && reply != nil && reply.Fulfill && !pctx.Unfulfillable {
		if postErr := h.transfers.Post(ctx, transferID); postErr != nil {
			// The downstream already fulfilled; surfacing an error here would
			// contradict it. The reservation stays posted-or-pending for the
			// expiry worker to reconcile.
			logrus.Errorf("failed to post transfer %s: %v", transferID, postErr)
		}
		return reply, nil
	}

	pctx.Unfulfillable = true
	if voidErr := h.transfers.Void(ctx, transferID); voidErr != nil {
		logrus.Errorf("failed to void transfer %s: %v", transferID, voidErr)
	}
	return reply, err
}
