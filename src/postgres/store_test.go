package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/onemorebsmith/deposit-ingest/src/model"
	"github.com/shopspring/decimal"
)

var store *Store

// Runs against the docker database from sql/schema.sql; skipped unless
// DEPOSIT_TEST_PG is set (to a connection string, or "docker").
func TestMain(m *testing.M) {
	conn := os.Getenv("DEPOSIT_TEST_PG")
	if conn == "" {
		os.Exit(m.Run())
	}
	if conn == "docker" {
		conn = dockerConnection
	}
	var err error
	store, err = NewStore(context.Background(), conn)
	if err != nil {
		panic(err)
	}
	code := m.Run()
	store.Close()
	os.Exit(code)
}

func requireStore(t *testing.T) context.Context {
	t.Helper()
	if store == nil {
		t.Skip("DEPOSIT_TEST_PG not set")
	}
	ctx := context.Background()
	store.DoExecOrDie(ctx, "DELETE FROM deposits")
	store.DoExecOrDie(ctx, "DELETE FROM deposit_sources")
	return ctx
}

var decimalComparer = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

func testSource(id int64, active bool) model.DepositSource {
	return model.DepositSource{
		ID:                model.SourceID(id),
		Name:              "S1",
		SecretToken:       "abcd0123456789wxyz",
		CommissionPercent: decimal.RequireFromString("2.5"),
		IsActive:          active,
		ProjectID:         7,
	}
}

func TestDepositSources(t *testing.T) {
	ctx := requireStore(t)
	for _, src := range []model.DepositSource{testSource(1, true), testSource(2, false), testSource(3, true)} {
		if err := store.SaveDepositSource(ctx, src); err != nil {
			t.Fatal(err)
		}
	}

	active, err := store.ListActiveDepositSources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff([]model.DepositSource{testSource(1, true), testSource(3, true)}, active, decimalComparer); d != "" {
		t.Fatalf("unexpected active sources: %s", d)
	}

	inactive, err := store.FindDepositSourceByID(ctx, 2)
	if err != nil || inactive == nil || inactive.IsActive {
		t.Fatalf("expected to find inactive source 2, got %+v (%v)", inactive, err)
	}
	missing, err := store.FindDepositSourceByID(ctx, 99)
	if err != nil || missing != nil {
		t.Fatalf("expected nil for a missing source, got %+v (%v)", missing, err)
	}
}

func TestInsertDepositIfAbsent(t *testing.T) {
	ctx := requireStore(t)
	if err := store.SaveDepositSource(ctx, testSource(1, true)); err != nil {
		t.Fatal(err)
	}
	promo := "SPRING"
	event := model.InboundDepositEvent{
		ID:             "d1",
		MammothID:      "42",
		MammothLogin:   "mammoth",
		MammothCountry: "DE",
		MammothPromo:   &promo,
		Token:          "BTC",
		Amount:         decimal.RequireFromString("0.12345678"),
		AmountUsd:      decimal.RequireFromString("7654.32"),
		Domain:         "x.example",
	}
	rec := model.NewDepositRecord(1, decimal.RequireFromString("2.5"), event, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	inserted, err := store.InsertDepositIfAbsent(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("expected insert, got %v (%v)", inserted, err)
	}
	inserted, err = store.InsertDepositIfAbsent(ctx, rec)
	if err != nil || inserted {
		t.Fatalf("duplicate insert should be a no-op, got %v (%v)", inserted, err)
	}

	found, err := store.FindDepositByID(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff(rec, found, decimalComparer); d != "" {
		t.Fatalf("stored deposit differs: %s", d)
	}
	missing, err := store.FindDepositByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for a missing deposit, got %+v (%v)", missing, err)
	}
}
