package enrollment_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/enrollment-engine/enrollment"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to enrollment.ItemStatus
		want     bool
	}{
		{enrollment.StatusDraft, enrollment.StatusReserved, true},
		{enrollment.StatusDraft, enrollment.StatusSecured, true},
		{enrollment.StatusDraft, enrollment.StatusVerified, false},
		{enrollment.StatusReserved, enrollment.StatusDraft, true},
		{enrollment.StatusReserved, enrollment.StatusSecured, true},
		{enrollment.StatusReserved, enrollment.StatusVerified, false},
		{enrollment.StatusSecured, enrollment.StatusVerified, true},
		{enrollment.StatusSecured, enrollment.StatusDraft, true},
		{enrollment.StatusSecured, enrollment.StatusReserved, false},
		{enrollment.StatusVerified, enrollment.StatusDraft, false},
		{enrollment.StatusVerified, enrollment.StatusCancelled, true},
		{enrollment.StatusCancelled, enrollment.StatusDraft, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, enrollment.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, enrollment.IsTerminal(enrollment.StatusCancelled))
	assert.False(t, enrollment.IsTerminal(enrollment.StatusVerified))
}

func TestRequiresAdmission(t *testing.T) {
	assert.True(t, enrollment.RequiresAdmission(enrollment.StatusDraft, enrollment.StatusReserved))
	assert.True(t, enrollment.RequiresAdmission(enrollment.StatusDraft, enrollment.StatusSecured))
	assert.False(t, enrollment.RequiresAdmission(enrollment.StatusReserved, enrollment.StatusSecured))
	assert.False(t, enrollment.RequiresAdmission(enrollment.StatusSecured, enrollment.StatusDraft))
}

func TestValidateItemWrite(t *testing.T) {
	cur := enrollment.LedgerItem{ID: "i1", UserID: "u1", SessionID: "s1", Kind: enrollment.KindEnrollment, Status: enrollment.StatusDraft}

	next := cur
	next.Status = enrollment.StatusSecured
	assert.ErrorIs(t, enrollment.ValidateItemWrite(cur, next), enrollment.ErrInvalidState, "enrollments take seats only through admission")

	memo := enrollment.LedgerItem{ID: "m1", UserID: "u1", Kind: enrollment.KindCreditMemo, Status: enrollment.StatusDraft}
	memoNext := memo
	memoNext.Status = enrollment.StatusSecured
	assert.NoError(t, enrollment.ValidateItemWrite(memo, memoNext))

	moved := cur
	moved.UserID = "u2"
	assert.ErrorIs(t, enrollment.ValidateItemWrite(cur, moved), enrollment.ErrValidation)

	cancelled := cur
	cancelled.Status = enrollment.StatusCancelled
	assert.NoError(t, enrollment.ValidateItemWrite(cur, cancelled))
}
