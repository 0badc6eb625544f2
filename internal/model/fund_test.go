package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
)

func TestFundCategory_String(t *testing.T) {
	tests := []struct {
		category FundCategory
		expected string
	}{
		{FundCategoryEducation, "EDUCATION"},
		{FundCategoryHealthcare, "HEALTHCARE"},
		{FundCategoryInfrastructure, "INFRASTRUCTURE"},
		{FundCategorySocialWelfare, "SOCIAL_WELFARE"},
		{FundCategoryAgriculture, "AGRICULTURE"},
		{FundCategoryOther, "OTHER"},
		{FundCategory(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.category.String())
		})
	}
}

func TestParseFundCategory(t *testing.T) {
	c, err := ParseFundCategory(" healthcare ")
	require.NoError(t, err)
	assert.Equal(t, FundCategoryHealthcare, c)

	for _, cat := range AllFundCategories() {
		parsed, err := ParseFundCategory(cat.String())
		require.NoError(t, err)
		assert.Equal(t, cat, parsed)
	}

	_, err = ParseFundCategory("DEFENSE")
	require.Error(t, err)
	assert.True(t, bizerr.Is(err, bizerr.ErrValidation))
}

func TestFundStatus(t *testing.T) {
	assert.False(t, FundStatusPending.IsTerminal())
	assert.False(t, FundStatusApproved.IsTerminal())
	assert.False(t, FundStatusReleased.IsTerminal())
	assert.True(t, FundStatusCompleted.IsTerminal())
	assert.True(t, FundStatusRejected.IsTerminal())

	assert.True(t, FundStatusRejected.IsValid())
	assert.False(t, FundStatus(7).IsValid())

	s, err := ParseFundStatus("released")
	require.NoError(t, err)
	assert.Equal(t, FundStatusReleased, s)

	_, err = ParseFundStatus("ARCHIVED")
	assert.True(t, bizerr.Is(err, bizerr.ErrValidation))
}

func TestFund_DerivedFields(t *testing.T) {
	f := &Fund{
		TotalAmount:    decimal.NewFromInt(1000),
		ReleasedAmount: decimal.NewFromInt(400),
	}
	assert.True(t, f.RemainingAmount().Equal(decimal.NewFromInt(600)))
	assert.True(t, f.CompletionPercentage().Equal(decimal.NewFromInt(40)))

	f.ReleasedAmount = decimal.NewFromInt(1)
	f.TotalAmount = decimal.NewFromInt(3)
	assert.Equal(t, "33.33", f.CompletionPercentage().StringFixed(2))

	zero := &Fund{}
	assert.True(t, zero.CompletionPercentage().IsZero())
}

func TestFund_Clone(t *testing.T) {
	f := &Fund{
		FundID:    1,
		Approvals: []*FundApproval{{FundID: 1, Seq: 1, Authority: "auth-b"}},
		Milestones: []*FundMilestone{
			{FundID: 1, MilestoneIndex: 0, Status: MilestoneStatusPending},
		},
	}

	c := f.Clone()
	c.Approvals[0].Authority = "auth-x"
	c.Approvals = append(c.Approvals, &FundApproval{Authority: "auth-c"})
	c.Milestones[0].Status = MilestoneStatusInProgress

	assert.Equal(t, "auth-b", f.Approvals[0].Authority)
	assert.Len(t, f.Approvals, 1)
	assert.Equal(t, MilestoneStatusPending, f.Milestones[0].Status)
	assert.True(t, f.HasApproval("auth-b"))
	assert.False(t, f.HasApproval("auth-x"))

	var nilFund *Fund
	assert.Nil(t, nilFund.Clone())
}

func TestFund_TableNames(t *testing.T) {
	assert.Equal(t, "funds", Fund{}.TableName())
	assert.Equal(t, "fund_approvals", FundApproval{}.TableName())
	assert.Equal(t, "fund_sequences", FundSequence{}.TableName())
	assert.Equal(t, "fund_milestones", FundMilestone{}.TableName())
	assert.Equal(t, "fund_transactions", FundTransaction{}.TableName())
	assert.Equal(t, "fund_chain_intents", ChainIntent{}.TableName())
}
