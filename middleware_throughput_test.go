package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coilworks/relay/model"
)

func throughputContext(amount uint64, account *model.Account) *PacketContext {
	return &PacketContext{
		Packet:          testPacket("g.peer.bob", amount),
		IncomingAccount: account,
		OutgoingAccount: account,
	}
}

func TestThroughputHandlerEnforcesLimit(t *testing.T) {
	limit := uint64(10)
	handler := NewThroughputHandler(ThroughputIncoming, &limit, 10*time.Second)
	account := testAccount("g.connector.alice", "USD", 2)

	for i := 0; i < 2; i++ {
		pctx := throughputContext(4, account)
		reply, err := handler.Process(context.Background(), pctx, passthroughNext(pctx))
		assert.NoError(t, err)
		assert.True(t, reply.Fulfill)
	}

	// 8 of 10 consumed; the third packet of 4 exceeds the window.
	pctx := throughputContext(4, account)
	reply, err := handler.Process(context.Background(), pctx, passthroughNext(pctx))
	assert.NoError(t, err)
	assert.Equal(t, model.CodeInsufficientLiquidity, reply.Code)
}

func TestThroughputHandlerLimitsPerAccount(t *testing.T) {
	limit := uint64(10)
	handler := NewThroughputHandler(ThroughputIncoming, &limit, 10*time.Second)

	first := throughputContext(10, testAccount("g.connector.alice", "USD", 2))
	reply, err := handler.Process(context.Background(), first, passthroughNext(first))
	assert.NoError(t, err)
	assert.True(t, reply.Fulfill)

	// A different account has its own untouched budget.
	second := throughputContext(10, testAccount("g.connector.carol", "USD", 2))
	reply, err = handler.Process(context.Background(), second, passthroughNext(second))
	assert.NoError(t, err)
	assert.True(t, reply.Fulfill)

	assert.Equal(t, 2, handler.BucketCount())
}

func TestThroughputHandlerNilLimitNeverTouchesBuckets(t *testing.T) {
	handler := NewThroughputHandler(ThroughputOutgoing, nil, time.Second)
	account := testAccount("g.peer", "USD", 2)

	for i := 0; i < 20; i++ {
		pctx := throughputContext(1_000_000, account)
		reply, err := handler.Process(context.Background(), pctx, passthroughNext(pctx))
		assert.NoError(t, err)
		assert.True(t, reply.Fulfill)
	}
	assert.Equal(t, 0, handler.BucketCount())
}

func TestThroughputHandlerZeroAmountBypassesBuckets(t *testing.T) {
	limit := uint64(10)
	handler := NewThroughputHandler(ThroughputIncoming, &limit, time.Second)

	pctx := throughputContext(0, testAccount("g.connector.alice", "USD", 2))
	reply, err := handler.Process(context.Background(), pctx, passthroughNext(pctx))
	assert.NoError(t, err)
	assert.True(t, reply.Fulfill)
	assert.Equal(t, 0, handler.BucketCount())
}

func TestThroughputHandlerRefillRestoresBudget(t *testing.T) {
	limit := uint64(10)
	handler := NewThroughputHandler(ThroughputIncoming, &limit, 20*time.Millisecond)
	account := testAccount("g.connector.alice", "USD", 2)

	pctx := throughputContext(10, account)
	reply, _ := handler.Process(context.Background(), pctx, passthroughNext(pctx))
	assert.True(t, reply.Fulfill)

	pctx = throughputContext(1, account)
	reply, _ = handler.Process(context.Background(), pctx, passthroughNext(pctx))
	assert.Equal(t, model.CodeInsufficientLiquidity, reply.Code)

	time.Sleep(30 * time.Millisecond)

	pctx = throughputContext(10, account)
	reply, _ = handler.Process(context.Background(), pctx, passthroughNext(pctx))
	assert.True(t, reply.Fulfill)
}
