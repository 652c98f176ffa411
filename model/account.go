package model

import (
	"time"
)

// Asset identifies a currency by code and the scale of its minor unit,
// e.g. {Code: "USD", Scale: 2} counts in cents.
type Asset struct {
	Code  string `json:"code"`
	Scale uint8  `json:"scale"`
}

// Equal reports whether two assets denominate the same unit.
func (a Asset) Equal(other Asset) bool {
	return a.Code == other.Code && a.Scale == other.Scale
}

// Account is a packet-switched peer, incoming-payment or SPSP account as seen
// by the pipeline. The pipeline only reads accounts; ownership of the rows is
// with the account directory.
type Account struct {
	AccountID          string     `json:"account_id"`
	Address            string     `json:"address"`
	Asset              Asset      `json:"asset"`
	LiquidityThreshold *int64     `json:"liquidity_threshold,omitempty"`
	MaxPacketAmount    *uint64    `json:"max_packet_amount,omitempty"`
	Disabled           bool       `json:"disabled"`
	Default            bool       `json:"default"`
	ProcessAt          *time.Time `json:"process_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}
