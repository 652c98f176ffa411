package relay

import (
	"context"
	"time"

	"github.com/coilworks/relay/model"
)

// ExpiryHandler enforces the packet's hard expiry deadline. The check wraps
// the downstream call: a packet whose downstream processing outlives the
// deadline is rejected even if the entry comparison would have passed.
type ExpiryHandler struct {
	now func() time.Time
}

func NewExpiryHandler() *ExpiryHandler {
	return &ExpiryHandler{now: time.Now}
}

func (h *ExpiryHandler) Name() string {
	return "Enforcing packet expiry"
}

func (h *ExpiryHandler) Process(ctx context.Context, pctx *PacketContext, next NextFunc) (*model.Reply, error) {
	if !h.now().Before(pctx.Packet.ExpiresAt) {
		return model.NewReject(model.CodeTransferTimedOut, "packet expired"), nil
	}

	reply, err := next(ctx)
	if err != nil {
		return reply, err
	}
	if !h.now().Before(pctx.Packet.ExpiresAt) {
		return model.NewReject(model.CodeTransferTimedOut, "packet expired during forwarding"), nil
	}
	return reply, err
}
