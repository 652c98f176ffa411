package relay

import (
	"context"
	"errors"

	"github.com/coilworks/relay/model"
)

// StreamTagHandler attempts to decode a payment correlation tag embedded in
// the destination address. Absence of a tag is not an error; the handler
// never rejects a packet.
type StreamTagHandler struct {
	secret string
}

func NewStreamTagHandler(secret string) *StreamTagHandler {
	return &StreamTagHandler{secret: secret}
}

func (h *StreamTagHandler) Name() string {
	return "Decoding stream correlation tag"
}

func (h *StreamTagHandler) Process(ctx context.Context, pctx *PacketContext, next NextFunc) (*model.Reply, error) {
	accountID, err := model.DecodeStreamTag(pctx.Packet.Destination, h.secret)
	if err != nil && !errors.Is(err, model.ErrNoStreamTag) {
		return nil, err
	}
	if err == nil {
		pctx.StreamDestination = accountID
	}
	return next(ctx)
}
