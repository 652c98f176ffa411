package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/coilworks/relay/internal/apierror"
	"github.com/coilworks/relay/model"
)

type staticQuotes struct {
	quotes map[string]*model.Quote
	err    error
}

func (s *staticQuotes) GetQuote(_ context.Context, quoteID string) (*model.Quote, error) {
	if s.err != nil {
		return nil, s.err
	}
	quote, ok := s.quotes[quoteID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "quote not found", nil)
	}
	return quote, nil
}

func senderFixture(reply *model.Reply) (*PipelinePaymentSender, *model.OutgoingPayment) {
	directory := &staticDirectory{}
	wallet := testAccount("g.connector.wallets.alice", "USD", 2)
	directory.add(wallet)

	quote := &model.Quote{
		QuoteID:     uuid.NewString(),
		Destination: "g.peer.bob",
		Amount:      500,
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	quotes := &staticQuotes{quotes: map[string]*model.Quote{quote.QuoteID: quote}}

	pipeline := NewPipeline(ForwarderFunc(func(_ context.Context, _ *PacketContext) (*model.Reply, error) {
		return reply, nil
	}))

	payment := &model.OutgoingPayment{
		PaymentID:       uuid.NewString(),
		State:           model.PaymentStateSending,
		QuoteID:         quote.QuoteID,
		WalletAddressID: wallet.AccountID,
	}
	return NewPipelinePaymentSender(pipeline, quotes, directory), payment
}

func TestPaymentSenderFulfillFinishes(t *testing.T) {
	sender, payment := senderFixture(model.NewFulfill(nil))

	outcome, err := sender.Step(context.Background(), payment)
	assert.NoError(t, err)
	assert.Equal(t, StepFinished, outcome)
}

func TestPaymentSenderTemporaryRejectIsRetryable(t *testing.T) {
	for _, code := range []string{
		model.CodeInsufficientLiquidity,
		model.CodeInternalError,
		model.CodeTransferTimedOut,
	} {
		sender, payment := senderFixture(model.NewReject(code, "transient"))

		outcome, err := sender.Step(context.Background(), payment)
		assert.Equal(t, StepProgressed, outcome, "code %s", code)
		assert.Error(t, err, "code %s", code)
		assert.True(t, model.RetryablePaymentError(err), "code %s", code)
	}
}

func TestPaymentSenderCannotReceiveMapsToRatesOutage(t *testing.T) {
	sender, payment := senderFixture(model.NewReject(model.CodeCannotReceive, "no conversion"))

	_, err := sender.Step(context.Background(), payment)
	assert.ErrorIs(t, err, model.ErrRatesUnavailable)
	assert.True(t, model.RetryablePaymentError(err))
}

func TestPaymentSenderFinalRejectIsTerminal(t *testing.T) {
	for _, code := range []string{
		model.CodeBadRequest,
		model.CodeUnreachable,
		model.CodeAmountTooLarge,
	} {
		sender, payment := senderFixture(model.NewReject(code, "final"))

		outcome, err := sender.Step(context.Background(), payment)
		assert.Equal(t, StepProgressed, outcome, "code %s", code)
		assert.False(t, model.RetryablePaymentError(err), "code %s", code)
	}
}

func TestPaymentSenderMissingQuoteIsTerminal(t *testing.T) {
	sender, payment := senderFixture(model.NewFulfill(nil))
	payment.QuoteID = uuid.NewString()

	_, err := sender.Step(context.Background(), payment)
	assert.Error(t, err)
	assert.False(t, model.RetryablePaymentError(err))
}

func TestPaymentSenderExpiredQuoteIsTerminal(t *testing.T) {
	sender, payment := senderFixture(model.NewFulfill(nil))
	sender.quotes.(*staticQuotes).quotes[payment.QuoteID].ExpiresAt = time.Now().Add(-time.Second)

	_, err := sender.Step(context.Background(), payment)
	assert.Error(t, err)
	assert.False(t, model.RetryablePaymentError(err))
}

func TestPaymentSenderQuoteStorageFaultPropagates(t *testing.T) {
	sender, payment := senderFixture(model.NewFulfill(nil))
	storageErr := errors.New("connection refused")
	sender.quotes.(*staticQuotes).err = storageErr

	_, err := sender.Step(context.Background(), payment)
	assert.ErrorIs(t, err, storageErr)
	// Infrastructure faults stay retryable by default.
	assert.True(t, model.RetryablePaymentError(err))
}

func TestPaymentSenderUnknownWalletPropagates(t *testing.T) {
	sender, payment := senderFixture(model.NewFulfill(nil))
	payment.WalletAddressID = uuid.NewString()

	_, err := sender.Step(context.Background(), payment)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
