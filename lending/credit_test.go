package lending_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/loan-ledger/lending"
)

func TestRepaymentDelta_OnTimeTiers(t *testing.T) {
	cases := []struct {
		amount string
		want   int
	}{
		{"100", 0},
		{"499.99", 0},
		{"500", 1},
		{"999.99", 1},
		{"1000", 2},
		{"4999.99", 2},
		{"5000", 3},
		{"9999.99", 3},
		{"10000", 5},
		{"49999.99", 5},
		{"50000", 8},
		{"99999.99", 8},
		{"100000", 12},
		{"2500000", 12},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, lending.RepaymentDelta(dec(tc.amount), true, 0), "amount %s", tc.amount)
	}
}

func TestRepaymentDelta_LatePenalties(t *testing.T) {
	amount := dec("1000")

	assert.Equal(t, -10, lending.RepaymentDelta(amount, false, 1))
	assert.Equal(t, -10, lending.RepaymentDelta(amount, false, 7))
	assert.Equal(t, -20, lending.RepaymentDelta(amount, false, 8))
	assert.Equal(t, -20, lending.RepaymentDelta(amount, false, 14))
	assert.Equal(t, -30, lending.RepaymentDelta(amount, false, 15))
	assert.Equal(t, -30, lending.RepaymentDelta(amount, false, 30))
	assert.Equal(t, -50, lending.RepaymentDelta(amount, false, 31))
}

func TestRepaymentDelta_SmallAmountsNeverMoveScore(t *testing.T) {
	// GIVEN: A repayment under 500
	// THEN: Neither on-time nor late payment changes the score

	assert.Equal(t, 0, lending.RepaymentDelta(dec("499"), true, 0))
	assert.Equal(t, 0, lending.RepaymentDelta(dec("499"), false, 40))
}

func TestLendingDelta(t *testing.T) {
	assert.Equal(t, 0, lending.LendingDelta(dec("499.99")))
	assert.Equal(t, 1, lending.LendingDelta(dec("500")))
	assert.Equal(t, 2, lending.LendingDelta(dec("1000")))
	assert.Equal(t, 3, lending.LendingDelta(dec("5000")))
	assert.Equal(t, 5, lending.LendingDelta(dec("10000")))
	assert.Equal(t, 8, lending.LendingDelta(dec("50000")))
	assert.Equal(t, 15, lending.LendingDelta(dec("100000")), "top tier rewards lenders more than borrowers")
}

func TestApplyDelta_Clamps(t *testing.T) {
	assert.Equal(t, 100, lending.ApplyDelta(95, 12))
	assert.Equal(t, 0, lending.ApplyDelta(5, -10))
	assert.Equal(t, 55, lending.ApplyDelta(50, 5))
	assert.Equal(t, 100, lending.ApplyDelta(140, 0))
}
