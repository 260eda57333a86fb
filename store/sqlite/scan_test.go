package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/enrollment"
)

func TestParseDecimal(t *testing.T) {
	d, err := parseDecimal("receipts.amount", "125.50")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("125.5")))

	_, err = parseDecimal("receipts.amount", "12,50")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receipts.amount")

	_, err = parseDecimal("ledger_items.tiered_discount", "")
	assert.Error(t, err)
}

func TestScan_CorruptMoneyColumnIsAnError(t *testing.T) {
	// GIVEN: Rows whose money columns were damaged outside the store
	// WHEN: Reading them back
	// THEN: The read fails instead of returning a zero amount
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveSession(ctx, enrollment.Session{
		ID: "s1", Name: "Week 1", Price: decimal.NewFromInt(350), Capacity: 5, Active: true,
		StartsAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.InsertDraft(ctx, enrollment.LedgerItem{
		ID: "i1", UserID: "u1", SessionID: "s1", Kind: enrollment.KindEnrollment,
		Status: enrollment.StatusDraft, Amount: decimal.NewFromInt(350), CreatedAt: now, UpdatedAt: now,
	}, 2))

	t.Run("session price", func(t *testing.T) {
		_, err := store.db.ExecContext(ctx, `UPDATE sessions SET price = 'abc' WHERE id = 's1'`)
		require.NoError(t, err)
		_, err = store.GetSession(ctx, "s1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sessions.price")
	})

	t.Run("item amount", func(t *testing.T) {
		_, err := store.db.ExecContext(ctx, `UPDATE ledger_items SET amount = '' WHERE id = 'i1'`)
		require.NoError(t, err)
		_, err = store.GetItem(ctx, "i1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger_items.amount")
	})

	t.Run("verified snapshot", func(t *testing.T) {
		_, err := store.db.ExecContext(ctx, `UPDATE ledger_items
			SET amount = '350', tiered_discount = '0', early_bird_credit = 'x',
			    returning_credit = '0', sibling_credit = '0', verified_at = ?
			WHERE id = 'i1'`, formatTime(now))
		require.NoError(t, err)
		_, err = store.GetItem(ctx, "i1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger_items.early_bird_credit")
	})
}
