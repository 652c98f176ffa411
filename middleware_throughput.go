package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coilworks/relay/model"
)

// ThroughputDirection selects which leg of the packet a throughput handler
// meters.
type ThroughputDirection string

const (
	ThroughputIncoming ThroughputDirection = "incoming"
	ThroughputOutgoing ThroughputDirection = "outgoing"
)

// ThroughputHandler enforces a per-account token-bucket throughput limit for
// one direction. A nil limit disables the handler entirely: no bucket is ever
// created or consulted. Zero-amount packets pass through untouched.
type ThroughputHandler struct {
	direction    ThroughputDirection
	limit        *uint64
	refillPeriod time.Duration

	mu      sync.Mutex
	buckets map[string]*model.TokenBucket
}

func NewThroughputHandler(direction ThroughputDirection, limit *uint64, refillPeriod time.Duration) *ThroughputHandler {
	return &ThroughputHandler{
		direction:    direction,
		limit:        limit,
		refillPeriod: refillPeriod,
		buckets:      make(map[string]*model.TokenBucket),
	}
}

func (h *ThroughputHandler) Name() string {
	return "Enforcing " + string(h.direction) + " throughput"
}

func (h *ThroughputHandler) account(pctx *PacketContext) *model.Account {
	if h.direction == ThroughputIncoming {
		return pctx.IncomingAccount
	}
	return pctx.OutgoingAccount
}

func (h *ThroughputHandler) bucketFor(accountID string) *model.TokenBucket {
	h.mu.Lock()
	defer h.mu.Unlock()
	bucket, ok := h.buckets[accountID]
	if !ok {
		bucket = model.NewTokenBucket(*h.limit, h.refillPeriod)
		h.buckets[accountID] = bucket
	}
	return bucket
}

// BucketCount reports how many buckets exist; zero proves the handler never
// touched a bucket.
func (h *ThroughputHandler) BucketCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buckets)
}

func (h *ThroughputHandler) Process(ctx context.Context, pctx *PacketContext, next NextFunc) (*model.Reply, error) {
	if h.limit == nil || pctx.Packet.Amount == 0 {
		return next(ctx)
	}
	account := h.account(pctx)
	if account == nil {
		return next(ctx)
	}
	if !h.bucketFor(account.AccountID).Take(pctx.Packet.Amount) {
		return model.NewReject(model.CodeInsufficientLiquidity, "exceeded "+string(h.direction)+" throughput limit"), nil
	}
	return next(ctx)
}
