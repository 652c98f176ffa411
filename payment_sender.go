package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/coilworks/relay/internal/apierror"
	"github.com/coilworks/relay/model"
)

// QuoteSource supplies the priced leg for a payment's lifecycle step.
type QuoteSource interface {
	GetQuote(ctx context.Context, quoteID string) (*model.Quote, error)
}

// PipelinePaymentSender executes one lifecycle step by pushing a prepare
// packet for the payment's quoted amount through the connector's own packet
// pipeline. The wallet address account is the packet's incoming side.
type PipelinePaymentSender struct {
	pipeline  *Pipeline
	quotes    QuoteSource
	directory AccountDirectory
}

func NewPipelinePaymentSender(pipeline *Pipeline, quotes QuoteSource, directory AccountDirectory) *PipelinePaymentSender {
	return &PipelinePaymentSender{
		pipeline:  pipeline,
		quotes:    quotes,
		directory: directory,
	}
}

// Step sends the quoted amount. Reply codes classify the outcome: a fulfill
// finishes the payment, temporary rejects stay retryable, final rejects fail
// the payment with the sender's explicit non-retryable flag.
func (s *PipelinePaymentSender) Step(ctx context.Context, payment *model.OutgoingPayment) (StepOutcome, error) {
	quote, err := s.quotes.GetQuote(ctx, payment.QuoteID)
	if err != nil {
		if apierror.IsNotFound(err) {
			return StepProgressed, &model.PaymentError{
				Description: fmt.Sprintf("quote %s not found", payment.QuoteID),
				Retryable:   false,
			}
		}
		return StepProgressed, err
	}
	if !quote.ExpiresAt.After(time.Now()) {
		return StepProgressed, &model.PaymentError{
			Description: fmt.Sprintf("quote %s expired", payment.QuoteID),
			Retryable:   false,
		}
	}

	source, err := s.directory.LookupByID(ctx, payment.WalletAddressID)
	if err != nil {
		return StepProgressed, err
	}

	reply := s.pipeline.Handle(ctx, &PacketContext{
		Packet: &model.PreparePacket{
			Destination: quote.Destination,
			Amount:      quote.Amount,
			ExpiresAt:   time.Now().Add(30 * time.Second),
		},
		IncomingAccount: source,
	})
	if reply.Fulfill {
		return StepFinished, nil
	}

	switch reply.Code {
	case model.CodeCannotReceive:
		return StepProgressed, model.ErrRatesUnavailable
	case model.CodeInsufficientLiquidity, model.CodeInternalError, model.CodeTransferTimedOut:
		return StepProgressed, &model.PaymentError{
			Description: fmt.Sprintf("send rejected with %s: %s", reply.Code, reply.Message),
			Retryable:   true,
		}
	default:
		return StepProgressed, &model.PaymentError{
			Description: fmt.Sprintf("send rejected with %s: %s", reply.Code, reply.Message),
			Retryable:   false,
		}
	}
}
