package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDepositRecordMath(t *testing.T) {
	cases := []struct {
		percent, amount, amountUsd       string
		commission, net, commUsd, netUsd string
	}{
		{"5", "100", "100", "5", "95", "5", "95"},
		{"0", "42.5", "42.5", "0", "42.5", "0", "42.5"},
		{"12.5", "0.0314", "99.99", "0.003925", "0.027475", "12.5", "87.49"},
		{"3", "1.23456789", "10.01", "0.03703704", "1.19753085", "0.3", "9.71"},
	}
	for _, c := range cases {
		rec := NewDepositRecord(1, dec(c.percent), InboundDepositEvent{
			ID:        "d",
			Amount:    dec(c.amount),
			AmountUsd: dec(c.amountUsd),
		}, time.Now())
		if !rec.CommissionAmount.Equal(dec(c.commission)) {
			t.Fatalf("%s%% of %s: commission %s, expected %s", c.percent, c.amount, rec.CommissionAmount, c.commission)
		}
		if !rec.NetAmount.Equal(dec(c.net)) {
			t.Fatalf("%s%% of %s: net %s, expected %s", c.percent, c.amount, rec.NetAmount, c.net)
		}
		if !rec.CommissionAmountUsd.Equal(dec(c.commUsd)) {
			t.Fatalf("%s%% of %s usd: commission %s, expected %s", c.percent, c.amountUsd, rec.CommissionAmountUsd, c.commUsd)
		}
		if !rec.NetAmountUsd.Equal(dec(c.netUsd)) {
			t.Fatalf("%s%% of %s usd: net %s, expected %s", c.percent, c.amountUsd, rec.NetAmountUsd, c.netUsd)
		}
		if !rec.CommissionAmount.Add(rec.NetAmount).Equal(rec.Amount) {
			t.Fatalf("commission + net != amount for %+v", c)
		}
		if rec.Processed {
			t.Fatal("new records must not be processed")
		}
	}
}

func TestSameConnection(t *testing.T) {
	base := DepositSource{ID: 1, Name: "S1", SecretToken: "0123456789abc", CommissionPercent: dec("5"), IsActive: true, ProjectID: 7}
	if !base.SameConnection(base) {
		t.Fatal("identical sources should match")
	}
	changed := base
	changed.CommissionPercent = dec("5.00")
	if !base.SameConnection(changed) {
		t.Fatal("numerically equal commission should match")
	}
	changed.SecretToken = "another-token-1"
	if base.SameConnection(changed) {
		t.Fatal("token change should not match")
	}
}
