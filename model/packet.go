package model

import (
	"regexp"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ILP reply codes surfaced by the pipeline. Every exit from the pipeline is
// one of these.
const (
	CodeBadRequest            = "F00"
	CodeUnreachable           = "F02"
	CodeCannotReceive         = "F07"
	CodeAmountTooLarge        = "F08"
	CodeInternalError         = "T00"
	CodeInsufficientLiquidity = "T04"
	CodeTransferTimedOut      = "R00"
)

var ilpAddressPattern = regexp.MustCompile(`^[a-zA-Z0-9._~-]+$`)

// PreparePacket is one decoded inbound prepare: an amount in the source
// account's minor unit, a destination ILP address and a hard expiry deadline.
type PreparePacket struct {
	Destination string    `json:"destination"`
	Amount      uint64    `json:"amount"`
	ExpiresAt   time.Time `json:"expires_at"`
	Data        []byte    `json:"data,omitempty"`
}

// preparePacketInput carries the wire shape of a prepare before parsing: the
// amount arrives as a non-negative integer string.
type preparePacketInput struct {
	Destination string
	Amount      string
	ExpiresAt   time.Time
}

func (p preparePacketInput) validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Destination, validation.Required, validation.Match(ilpAddressPattern)),
		validation.Field(&p.Amount, validation.Required, validation.Match(regexp.MustCompile(`^[0-9]+$`))),
		validation.Field(&p.ExpiresAt, validation.Required),
	)
}

// NewPreparePacket parses and validates the wire fields of a prepare packet.
func NewPreparePacket(destination, amount string, expiresAt time.Time) (*PreparePacket, error) {
	in := preparePacketInput{Destination: destination, Amount: amount, ExpiresAt: expiresAt}
	if err := in.validate(); err != nil {
		return nil, err
	}
	value, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return nil, err
	}
	return &PreparePacket{
		Destination: destination,
		Amount:      value,
		ExpiresAt:   expiresAt,
	}, nil
}

// Reply is the single terminal outcome of a packet traversal: a fulfill or a
// reject with a machine-readable code.
type Reply struct {
	Fulfill bool   `json:"fulfill"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

// NewFulfill builds a fulfill reply carrying opaque downstream data.
func NewFulfill(data []byte) *Reply {
	return &Reply{Fulfill: true, Data: data}
}

// NewReject builds a reject reply with an ILP code and a human-readable message.
func NewReject(code, message string) *Reply {
	return &Reply{Code: code, Message: message}
}
