package relay

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/coilworks/relay/model"
)

var pipelineTracer = otel.Tracer("relay.pipeline")

// PacketContext carries one in-flight prepare through the middleware chain.
// Field ownership: IncomingAccount is set by the caller, StreamDestination by
// the stream-tag handler, OutgoingAccount by account resolution, Unfulfillable
// by the balance handler once a reservation can no longer be committed.
type PacketContext struct {
	Packet            *model.PreparePacket
	IncomingAccount   *model.Account
	OutgoingAccount   *model.Account
	StreamDestination string
	Unfulfillable     bool
}

// NextFunc invokes the rest of the chain and returns its terminal outcome.
type NextFunc func(ctx context.Context) (*model.Reply, error)

// Handler is one middleware step. It may short-circuit with a reject, or call
// next and act on the downstream outcome. Returned errors are infrastructure
// faults; every expected failure is a reject Reply.
type Handler interface {
	Name() string
	Process(ctx context.Context, pctx *PacketContext, next NextFunc) (*model.Reply, error)
}

// Forwarder hands the fully prepared packet to the terminal sending layer.
type Forwarder interface {
	Forward(ctx context.Context, pctx *PacketContext) (*model.Reply, error)
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, pctx *PacketContext) (*model.Reply, error)

func (f ForwarderFunc) Forward(ctx context.Context, pctx *PacketContext) (*model.Reply, error) {
	return f(ctx, pctx)
}

// LocalDeliveryForwarder terminates packets whose destination account lives
// on this connector. The reservation already happened upstream, so delivery
// is a fulfill; posting follows on the way back out of the chain.
func LocalDeliveryForwarder() Forwarder {
	return ForwarderFunc(func(ctx context.Context, pctx *PacketContext) (*model.Reply, error) {
		if pctx.OutgoingAccount == nil {
			return model.NewReject(model.CodeUnreachable, "no account resolved for destination"), nil
		}
		return model.NewFulfill(nil), nil
	})
}

// Pipeline is an ordered middleware chain ending in a terminal forwarder.
// A pipeline is immutable after construction and safe for concurrent packets;
// each traversal owns its own PacketContext.
type Pipeline struct {
	handlers  []Handler
	forwarder Forwarder
}

// NewPipeline composes handlers in execution order around the forwarder.
func NewPipeline(forwarder Forwarder, handlers ...Handler) *Pipeline {
	return &Pipeline{handlers: handlers, forwarder: forwarder}
}

func (p *Pipeline) step(pctx *PacketContext, index int) NextFunc {
	return func(ctx context.Context) (*model.Reply, error) {
		if index >= len(p.handlers) {
			return p.forwarder.Forward(ctx, pctx)
		}
		handler := p.handlers[index]
		ctx, span := pipelineTracer.Start(ctx, handler.Name())
		defer span.End()
		reply, err := handler.Process(ctx, pctx, p.step(pctx, index+1))
		if err != nil {
			span.RecordError(err)
		}
		return reply, err
	}
}

// Handle pushes one prepare packet through the chain and yields exactly one
// terminal outcome: a fulfill or a reject with a machine-readable code.
// Infrastructure faults map to a T00 reject so no packet is ever dropped.
func (p *Pipeline) Handle(ctx context.Context, pctx *PacketContext) *model.Reply {
	ctx, span := pipelineTracer.Start(ctx, "Handling prepare packet")
	defer span.End()

	reply, err := p.step(pctx, 0)(ctx)
	if err != nil {
		span.RecordError(err)
		return model.NewReject(model.CodeInternalError, "internal error")
	}
	if reply == nil {
		return model.NewReject(model.CodeInternalError, "no reply from pipeline")
	}
	return reply
}
