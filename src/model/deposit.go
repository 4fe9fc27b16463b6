package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SourceID int64

// DepositSource - an upstream deposit feed as configured in the dashboard
type DepositSource struct {
	ID                SourceID        `json:"id"`
	Name              string          `json:"name"`
	SecretToken       string          `json:"secretToken"`
	CommissionPercent decimal.Decimal `json:"commissionPercent"`
	IsActive          bool            `json:"isActive"`
	ProjectID         int64           `json:"projectId"`
}

// SameConnection reports whether a connection opened for `s` is still valid for `other`.
// Commission changes count too, the supervisor captures the source at creation time.
func (s DepositSource) SameConnection(other DepositSource) bool {
	return s.ID == other.ID &&
		s.Name == other.Name &&
		s.SecretToken == other.SecretToken &&
		s.CommissionPercent.Equal(other.CommissionPercent) &&
		s.IsActive == other.IsActive &&
		s.ProjectID == other.ProjectID
}

// InboundDepositEvent - payload of a `newDeposit` message, ID is the idempotency key
type InboundDepositEvent struct {
	ID             string
	MammothID      string
	MammothLogin   string
	MammothCountry string
	MammothPromo   *string
	Token          string
	Amount         decimal.Decimal
	AmountUsd      decimal.Decimal
	WorkerPercent  decimal.Decimal
	Domain         string
	TxHash         *string
}

// DepositRecord - a persisted deposit with the commission math applied
type DepositRecord struct {
	InboundDepositEvent
	DepositSourceID     SourceID
	CommissionPercent   decimal.Decimal
	CommissionAmount    decimal.Decimal
	CommissionAmountUsd decimal.Decimal
	NetAmount           decimal.Decimal
	NetAmountUsd        decimal.Decimal
	Processed           bool
	CreatedAt           time.Time
}

const (
	TokenAmountPlaces = 8 // crypto amounts
	UsdAmountPlaces   = 2
)

var hundred = decimal.NewFromInt(100)

// NewDepositRecord applies `commissionPercent` to the event. Net amounts are derived by
// subtraction so commission + net always equals the gross amount exactly.
func NewDepositRecord(source SourceID, commissionPercent decimal.Decimal, event InboundDepositEvent, now time.Time) *DepositRecord {
	commission := event.Amount.Mul(commissionPercent).Div(hundred).Round(TokenAmountPlaces)
	commissionUsd := event.AmountUsd.Mul(commissionPercent).Div(hundred).Round(UsdAmountPlaces)
	return &DepositRecord{
		InboundDepositEvent: event,
		DepositSourceID:     source,
		CommissionPercent:   commissionPercent,
		CommissionAmount:    commission,
		CommissionAmountUsd: commissionUsd,
		NetAmount:           event.Amount.Sub(commission),
		NetAmountUsd:        event.AmountUsd.Sub(commissionUsd),
		Processed:           false,
		CreatedAt:           now.UTC(),
	}
}
