package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coilworks/relay/model"
)

func TestExpiryHandlerPassesLivePacket(t *testing.T) {
	handler := NewExpiryHandler()
	pctx := &PacketContext{Packet: testPacket("g.peer.bob", 10)}

	reply, err := handler.Process(context.Background(), pctx, passthroughNext(pctx))
	assert.NoError(t, err)
	assert.True(t, reply.Fulfill)
}

func TestExpiryHandlerRejectsExpiredPacket(t *testing.T) {
	handler := NewExpiryHandler()
	pctx := &PacketContext{Packet: &model.PreparePacket{
		Destination: "g.peer.bob",
		Amount:      10,
		ExpiresAt:   time.Now().Add(-time.Second),
	}}

	called := false
	reply, err := handler.Process(context.Background(), pctx, func(_ context.Context) (*model.Reply, error) {
		called = true
		return model.NewFulfill(nil), nil
	})
	assert.NoError(t, err)
	assert.Equal(t, model.CodeTransferTimedOut, reply.Code)
	assert.False(t, called)
}

func TestExpiryHandlerRejectsWhenForwardingOutlivesDeadline(t *testing.T) {
	// The clock advances past the deadline while the downstream runs; the
	// fulfill it produced must not stand.
	now := time.Now()
	handler := NewExpiryHandler()
	handler.now = func() time.Time { return now }

	pctx := &PacketContext{Packet: &model.PreparePacket{
		Destination: "g.peer.bob",
		Amount:      10,
		ExpiresAt:   now.Add(50 * time.Millisecond),
	}}

	reply, err := handler.Process(context.Background(), pctx, func(_ context.Context) (*model.Reply, error) {
		now = now.Add(100 * time.Millisecond)
		return model.NewFulfill(nil), nil
	})
	assert.NoError(t, err)
	assert.False(t, reply.Fulfill)
	assert.Equal(t, model.CodeTransferTimedOut, reply.Code)
}

func TestExpiryHandlerBoundaryIsExpired(t *testing.T) {
	now := time.Now()
	handler := NewExpiryHandler()
	handler.now = func() time.Time { return now }

	pctx := &PacketContext{Packet: &model.PreparePacket{
		Destination: "g.peer.bob",
		Amount:      10,
		ExpiresAt:   now,
	}}

	reply, err := handler.Process(context.Background(), pctx, passthroughNext(pctx))
	assert.NoError(t, err)
	assert.Equal(t, model.CodeTransferTimedOut, reply.Code)
}
