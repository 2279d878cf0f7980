package models

import "time"

type IndicatorKind string

const (
	KindIP     IndicatorKind = "ip"
	KindDomain IndicatorKind = "domain"
)

// Valid reports whether k is a kind the matcher understands.
func (k IndicatorKind) Valid() bool {
	return k == KindIP || k == KindDomain
}

// Indicator is a known-malicious IP address or domain name. Value is unique
// across the store regardless of kind.
type Indicator struct {
	ID        int64         `json:"id"`
	Value     string        `json:"value"`
	Kind      IndicatorKind `json:"kind"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"created_at"`
}
