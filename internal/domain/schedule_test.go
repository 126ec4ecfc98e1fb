package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestComputeSchedule_RoundingClosure(t *testing.T) {
	start := date(2024, 1, 1)
	s, err := ComputeSchedule(ScheduleInput{
		Principal:        decimal.NewFromInt(1000),
		InterestRate:     decimal.NewFromInt(20),
		InstallmentCount: 3,
		Frequency:        FrequencyWeekly,
		StartDate:        start,
	})
	require.NoError(t, err)

	assert.Equal(t, "1200.00", s.TotalPayable.StringFixed(2))
	assert.Equal(t, "400.00", s.InstallmentAmount.StringFixed(2))
	require.Len(t, s.Installments, 3)

	sum := decimal.Zero
	for _, inst := range s.Installments {
		sum = sum.Add(inst.Amount)
	}
	assert.True(t, sum.Equal(s.TotalPayable), "installments sum %s, want %s", sum, s.TotalPayable)

	assert.Equal(t, date(2024, 1, 8), s.Installments[0].DueDate)
	assert.Equal(t, date(2024, 1, 15), s.Installments[1].DueDate)
	assert.Equal(t, date(2024, 1, 22), s.Installments[2].DueDate)
}

func TestComputeSchedule_LastInstallmentAbsorbsRemainder(t *testing.T) {
	s, err := ComputeSchedule(ScheduleInput{
		Principal:        decimal.NewFromInt(100),
		InterestRate:     decimal.Zero,
		InstallmentCount: 3,
		Frequency:        FrequencyDaily,
		StartDate:        date(2024, 1, 1),
	})
	require.NoError(t, err)

	assert.Equal(t, "33.33", s.InstallmentAmount.StringFixed(2))
	assert.Equal(t, "33.33", s.Installments[0].Amount.StringFixed(2))
	assert.Equal(t, "33.33", s.Installments[1].Amount.StringFixed(2))
	assert.Equal(t, "33.34", s.Installments[2].Amount.StringFixed(2))
}

func TestComputeSchedule_RoundHalfUp(t *testing.T) {
	// 10.005 * 1.00 rounds up to 10.01
	s, err := ComputeSchedule(ScheduleInput{
		Principal:        decimal.RequireFromString("10.005"),
		InterestRate:     decimal.Zero,
		InstallmentCount: 1,
		Frequency:        FrequencyMonthly,
		StartDate:        date(2024, 1, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, "10.01", s.TotalPayable.StringFixed(2))
	assert.Equal(t, date(2024, 1, 31), s.Installments[0].DueDate)
}

func TestComputeSchedule_EndToEndTerms(t *testing.T) {
	s, err := ComputeSchedule(ScheduleInput{
		Principal:        decimal.NewFromInt(5000),
		InterestRate:     decimal.NewFromInt(20),
		InstallmentCount: 10,
		Frequency:        FrequencyWeekly,
		StartDate:        date(2024, 1, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, "6000.00", s.TotalPayable.StringFixed(2))
	assert.Equal(t, "600.00", s.InstallmentAmount.StringFixed(2))
	assert.Equal(t, "600.00", s.Installments[9].Amount.StringFixed(2))
	assert.Equal(t, date(2024, 3, 11), s.Installments[9].DueDate)
}

func TestComputeSchedule_FrequencyIntervals(t *testing.T) {
	tests := []struct {
		frequency Frequency
		firstDue  time.Time
	}{
		{FrequencyDaily, date(2024, 1, 2)},
		{FrequencyWeekly, date(2024, 1, 8)},
		{FrequencyBiweekly, date(2024, 1, 15)},
		{FrequencyMonthly, date(2024, 1, 31)},
	}

	for _, tt := range tests {
		t.Run(string(tt.frequency), func(t *testing.T) {
			s, err := ComputeSchedule(ScheduleInput{
				Principal:        decimal.NewFromInt(100),
				InterestRate:     decimal.NewFromInt(10),
				InstallmentCount: 2,
				Frequency:        tt.frequency,
				StartDate:        date(2024, 1, 1),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.firstDue, s.Installments[0].DueDate)
		})
	}
}

func TestComputeSchedule_UnknownFrequency(t *testing.T) {
	_, err := ComputeSchedule(ScheduleInput{
		Principal:        decimal.NewFromInt(100),
		InterestRate:     decimal.Zero,
		InstallmentCount: 1,
		Frequency:        Frequency("fortnightly"),
		StartDate:        date(2024, 1, 1),
	})
	require.Error(t, err)

	var freqErr *InvalidFrequencyError
	assert.True(t, errors.As(err, &freqErr))
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestComputeSchedule_InvalidTerms(t *testing.T) {
	base := ScheduleInput{
		Principal:        decimal.NewFromInt(100),
		InterestRate:     decimal.Zero,
		InstallmentCount: 1,
		Frequency:        FrequencyWeekly,
		StartDate:        date(2024, 1, 1),
	}

	tests := []struct {
		name   string
		mutate func(in *ScheduleInput)
		field  string
	}{
		{"zero principal", func(in *ScheduleInput) { in.Principal = decimal.Zero }, "principal"},
		{"negative rate", func(in *ScheduleInput) { in.InterestRate = decimal.NewFromInt(-1) }, "interestRate"},
		{"zero installments", func(in *ScheduleInput) { in.InstallmentCount = 0 }, "installmentCount"},
		{"missing start date", func(in *ScheduleInput) { in.StartDate = time.Time{} }, "startDate"},
		{"sub-cent principal", func(in *ScheduleInput) { in.Principal = decimal.RequireFromString("1000.005") }, "principal"},
		{"principal above column range", func(in *ScheduleInput) {
			in.Principal = decimal.RequireFromString("1000000000000")
		}, "principal"},
		{"total above column range", func(in *ScheduleInput) {
			in.Principal = decimal.RequireFromString("900000000000")
			in.InterestRate = decimal.NewFromInt(20)
		}, "principal"},
		{"rate with five decimals", func(in *ScheduleInput) { in.InterestRate = decimal.RequireFromString("12.34567") }, "interestRate"},
		{"rate above column range", func(in *ScheduleInput) { in.InterestRate = decimal.RequireFromString("1234.56") }, "interestRate"},
		{"too many installments for amount", func(in *ScheduleInput) {
			in.Principal = decimal.RequireFromString("0.05")
			in.InstallmentCount = 10
		}, "installmentCount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := ComputeSchedule(in)
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr), "got %v", err)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestComputeSchedule_TermsAtColumnLimits(t *testing.T) {
	s, err := ComputeSchedule(ScheduleInput{
		Principal:        MaxMoneyAmount,
		InterestRate:     decimal.Zero,
		InstallmentCount: 1,
		Frequency:        FrequencyMonthly,
		StartDate:        date(2024, 1, 1),
	})
	require.NoError(t, err)
	assert.True(t, s.TotalPayable.Equal(MaxMoneyAmount))

	_, err = ComputeSchedule(ScheduleInput{
		Principal:        decimal.NewFromInt(100),
		InterestRate:     MaxInterestRate,
		InstallmentCount: 4,
		Frequency:        FrequencyWeekly,
		StartDate:        date(2024, 1, 1),
	})
	assert.NoError(t, err)
}

func TestParseFrequency(t *testing.T) {
	for _, s := range []string{"daily", "weekly", "biweekly", "monthly"} {
		f, err := ParseFrequency(s)
		assert.NoError(t, err)
		assert.Equal(t, Frequency(s), f)
	}

	_, err := ParseFrequency("")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ParseFrequency("WEEKLY")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLoanInstallments_MatchesSchedule(t *testing.T) {
	s, err := ComputeSchedule(ScheduleInput{
		Principal:        decimal.NewFromInt(1000),
		InterestRate:     decimal.NewFromInt(15),
		InstallmentCount: 7,
		Frequency:        FrequencyBiweekly,
		StartDate:        date(2024, 5, 1),
	})
	require.NoError(t, err)

	loan := &Loan{
		TotalPayable:      s.TotalPayable,
		InstallmentAmount: s.InstallmentAmount,
		DueDates:          s.DueDates(),
	}
	assert.Equal(t, s.Installments, loan.Installments())
	assert.Equal(t, s.Installments[6].DueDate, loan.DueDate())
}
