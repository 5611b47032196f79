package recurrence_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obligation-engine/recurrence"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func fy2024() recurrence.FinancialYear {
	return recurrence.NewFinancialYear(2024)
}

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func resolve(t *testing.T, rule recurrence.Rule) []recurrence.Occurrence {
	t.Helper()
	r := recurrence.NewResolver(time.UTC)
	return r.ResolvePeriods(rule, date(2024, time.June, 1, 0, 0), fy2024())
}

func periods(occ []recurrence.Occurrence) []string {
	out := make([]string, len(occ))
	for i, o := range occ {
		out[i] = o.Period
	}
	return out
}

// =============================================================================
// FINANCIAL YEAR
// =============================================================================

func TestFinancialYearOf_AprilBoundary(t *testing.T) {
	assert.Equal(t, "2023-2024", recurrence.FinancialYearOf(date(2024, time.March, 31, 23, 59)).String())
	assert.Equal(t, "2024-2025", recurrence.FinancialYearOf(date(2024, time.April, 1, 0, 0)).String())
	assert.Equal(t, "2024-2025", recurrence.FinancialYearOf(date(2025, time.January, 15, 0, 0)).String())
}

func TestParseFinancialYear(t *testing.T) {
	fy, err := recurrence.ParseFinancialYear("2024-2025")
	require.NoError(t, err)
	assert.Equal(t, 2024, fy.StartYear)
	assert.Equal(t, date(2024, time.April, 1, 0, 0), fy.Start(time.UTC))
	assert.Equal(t, 2025, fy.End(time.UTC).Year())
	assert.Equal(t, time.March, fy.End(time.UTC).Month())

	for _, bad := range []string{"2024", "2024-2026", "abcd-2025", ""} {
		_, err := recurrence.ParseFinancialYear(bad)
		assert.ErrorIs(t, err, recurrence.ErrInvalidConfig, bad)
	}
}

func TestQuarterOf(t *testing.T) {
	assert.Equal(t, recurrence.Quarter(1), recurrence.QuarterOf(time.April))
	assert.Equal(t, recurrence.Quarter(2), recurrence.QuarterOf(time.September))
	assert.Equal(t, recurrence.Quarter(3), recurrence.QuarterOf(time.December))
	assert.Equal(t, recurrence.Quarter(4), recurrence.QuarterOf(time.January))
	assert.Equal(t, time.January, recurrence.Quarter(4).FirstMonth())
	assert.Equal(t, time.October, recurrence.Quarter(3).FirstMonth())
}

// =============================================================================
// MONTHLY
// =============================================================================

func TestMonthly_TwelvePeriodsFromApril(t *testing.T) {
	occ := resolve(t, recurrence.MonthlyRule{DayOfMonth: 10, At: recurrence.DefaultTimeOfDay})
	require.Len(t, occ, 12)

	assert.Equal(t, "April-2024", occ[0].Period)
	assert.Equal(t, "December-2024", occ[8].Period)
	assert.Equal(t, "January-2025", occ[9].Period)
	assert.Equal(t, "March-2025", occ[11].Period)
	assert.Equal(t, date(2024, time.April, 10, 9, 0), occ[0].Due)
	assert.Equal(t, date(2025, time.January, 10, 9, 0), occ[9].Due)

	for i := 1; i < len(occ); i++ {
		assert.True(t, occ[i].Due.After(occ[i-1].Due), "occurrences must be chronological")
	}
}

func TestMonthly_Day31ClampsToMonthEnd(t *testing.T) {
	// GIVEN: a monthly rule on the 31st
	// WHEN: resolving FY 2024-2025 (February 2025 has 28 days)
	// THEN: February is due on the 28th, never in March
	occ := resolve(t, recurrence.MonthlyRule{DayOfMonth: 31, At: recurrence.DefaultTimeOfDay})

	byPeriod := make(map[string]time.Time)
	for _, o := range occ {
		byPeriod[o.Period] = o.Due
	}
	assert.Equal(t, date(2025, time.February, 28, 9, 0), byPeriod["February-2025"])
	assert.Equal(t, date(2024, time.April, 30, 9, 0), byPeriod["April-2024"])
	assert.Equal(t, date(2024, time.May, 31, 9, 0), byPeriod["May-2024"])
}

func TestMonthly_LeapYearFebruary(t *testing.T) {
	r := recurrence.NewResolver(time.UTC)
	occ := r.ResolvePeriods(recurrence.MonthlyRule{DayOfMonth: 30, At: recurrence.DefaultTimeOfDay},
		time.Time{}, recurrence.NewFinancialYear(2023))
	assert.Equal(t, "February-2024", occ[10].Period)
	assert.Equal(t, date(2024, time.February, 29, 9, 0), occ[10].Due)
}

// =============================================================================
// QUARTERLY / YEARLY
// =============================================================================

func TestQuarterly_Day15Scenario(t *testing.T) {
	occ := resolve(t, recurrence.QuarterlyRule{DayOfMonth: 15, At: recurrence.DefaultTimeOfDay})

	assert.Equal(t, []string{"Q1-2024-2025", "Q2-2024-2025", "Q3-2024-2025", "Q4-2024-2025"}, periods(occ))
	assert.Equal(t, date(2024, time.April, 15, 9, 0), occ[0].Due)
	assert.Equal(t, date(2024, time.July, 15, 9, 0), occ[1].Due)
	assert.Equal(t, date(2024, time.October, 15, 9, 0), occ[2].Due)
	assert.Equal(t, date(2025, time.January, 15, 9, 0), occ[3].Due)
	assert.Equal(t, date(2024, time.June, 30, 0, 0).AddDate(0, 0, 1).Add(-time.Nanosecond), occ[0].End)
}

func TestYearly_MonthPlacedInFiscalCalendar(t *testing.T) {
	at := recurrence.TimeOfDay{Hour: 17, Minute: 30}

	occ := resolve(t, recurrence.YearlyRule{Month: time.July, DayOfMonth: 31, At: at})
	require.Len(t, occ, 1)
	assert.Equal(t, "2024-2025", occ[0].Period)
	assert.Equal(t, date(2024, time.July, 31, 17, 30), occ[0].Due)

	occ = resolve(t, recurrence.YearlyRule{Month: time.February, DayOfMonth: 31, At: at})
	assert.Equal(t, date(2025, time.February, 28, 17, 30), occ[0].Due)
}

// =============================================================================
// SUB-MONTHLY AND ONE-TIME
// =============================================================================

func TestSubMonthly_CollapsesToMonthlyBuckets(t *testing.T) {
	daily := resolve(t, recurrence.DailyRule{At: recurrence.TimeOfDay{Hour: 18}})
	require.Len(t, daily, 12)
	assert.Equal(t, "April-2024", daily[0].Period)
	assert.Equal(t, date(2024, time.April, 1, 18, 0), daily[0].Due)

	// April 1 2024 is a Monday; first Wednesday is April 3.
	weekly := resolve(t, recurrence.WeeklyRule{Days: []time.Weekday{time.Wednesday}, At: recurrence.DefaultTimeOfDay})
	require.Len(t, weekly, 12)
	assert.Equal(t, date(2024, time.April, 3, 9, 0), weekly[0].Due)

	hourly := resolve(t, recurrence.HourlyRule{IntervalHours: 4})
	require.Len(t, hourly, 12)
	assert.Equal(t, date(2024, time.May, 1, 9, 0), hourly[1].Due)
}

func TestOneTime_DueAfterGraceWindow(t *testing.T) {
	r := recurrence.NewResolver(time.UTC)
	ref := date(2024, time.August, 20, 11, 0)

	occ := r.OneTime(ref, 0)
	assert.Equal(t, "August-2024", occ.Period)
	assert.Equal(t, ref.Add(30*24*time.Hour), occ.Due)

	viaResolve := r.ResolvePeriods(recurrence.OneTimeRule{}, ref, recurrence.FinancialYear{})
	require.Len(t, viaResolve, 1)
	assert.Equal(t, occ, viaResolve[0])
}

func TestResolve_Deterministic(t *testing.T) {
	rule := recurrence.MonthlyRule{DayOfMonth: 20, At: recurrence.DefaultTimeOfDay}
	assert.Equal(t, resolve(t, rule), resolve(t, rule))
}

func TestResolve_ZeroYearUsesReferenceDate(t *testing.T) {
	r := recurrence.NewResolver(time.UTC)
	occ := r.ResolvePeriods(recurrence.QuarterlyRule{DayOfMonth: 1}, date(2026, time.February, 2, 0, 0), recurrence.FinancialYear{})
	assert.Equal(t, "Q1-2025-2026", occ[0].Period)
}

// =============================================================================
// TIME OF DAY
// =============================================================================

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in   string
		want recurrence.TimeOfDay
	}{
		{"09:00 AM", recurrence.TimeOfDay{Hour: 9}},
		{"12:15 AM", recurrence.TimeOfDay{Hour: 0, Minute: 15}},
		{"12:00 PM", recurrence.TimeOfDay{Hour: 12}},
		{"05:45 pm", recurrence.TimeOfDay{Hour: 17, Minute: 45}},
		{"18:30", recurrence.TimeOfDay{Hour: 18, Minute: 30}},
	}
	for _, tt := range tests {
		got, err := recurrence.ParseTimeOfDay(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "noon", "13:00 PM", "10:75 AM", "25:00"} {
		_, err := recurrence.ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
		assert.Equal(t, recurrence.DefaultTimeOfDay, recurrence.TimeOrDefault(bad), bad)
	}

	assert.Equal(t, "05:45 PM", recurrence.TimeOfDay{Hour: 17, Minute: 45}.String())
	assert.Equal(t, "12:00 AM", recurrence.TimeOfDay{}.String())
}

// =============================================================================
// SPEC DECODING
// =============================================================================

func TestSpec_DecodesEachVariant(t *testing.T) {
	tests := []struct {
		name string
		spec recurrence.Spec
		want recurrence.Rule
	}{
		{"none", recurrence.Spec{}, recurrence.OneTimeRule{}},
		{"hourly", recurrence.Spec{Frequency: "hourly", Config: json.RawMessage(`{"hourInterval": 6}`)},
			recurrence.HourlyRule{IntervalHours: 6}},
		{"daily", recurrence.Spec{Frequency: "daily", Config: json.RawMessage(`{"time": "07:30 PM"}`)},
			recurrence.DailyRule{At: recurrence.TimeOfDay{Hour: 19, Minute: 30}}},
		{"weekly", recurrence.Spec{Frequency: "weekly", Config: json.RawMessage(`{"days": ["mon", "Friday", 3], "time": "10:00 AM"}`)},
			recurrence.WeeklyRule{Days: []time.Weekday{time.Monday, time.Friday, time.Wednesday}, At: recurrence.TimeOfDay{Hour: 10}}},
		{"monthly", recurrence.Spec{Frequency: "Monthly", Config: json.RawMessage(`{"dayOfMonth": "20", "time": "11:00 AM"}`)},
			recurrence.MonthlyRule{DayOfMonth: 20, At: recurrence.TimeOfDay{Hour: 11}}},
		{"quarterly clamps day", recurrence.Spec{Frequency: "quarterly", Config: json.RawMessage(`{"dayOfMonth": 45}`)},
			recurrence.QuarterlyRule{DayOfMonth: 31, At: recurrence.DefaultTimeOfDay}},
		{"yearly by name", recurrence.Spec{Frequency: "yearly", Config: json.RawMessage(`{"month": "September", "dayOfMonth": 30}`)},
			recurrence.YearlyRule{Month: time.September, DayOfMonth: 30, At: recurrence.DefaultTimeOfDay}},
		{"yearly by index", recurrence.Spec{Frequency: "yearly", Config: json.RawMessage(`{"month": 7, "dayOfMonth": 31}`)},
			recurrence.YearlyRule{Month: time.July, DayOfMonth: 31, At: recurrence.DefaultTimeOfDay}},
		{"null config defaults", recurrence.Spec{Frequency: "monthly", Config: json.RawMessage(`null`)},
			recurrence.MonthlyRule{DayOfMonth: 1, At: recurrence.DefaultTimeOfDay}},
		{"bad time falls back", recurrence.Spec{Frequency: "monthly", Config: json.RawMessage(`{"time": "whenever"}`)},
			recurrence.MonthlyRule{DayOfMonth: 1, At: recurrence.DefaultTimeOfDay}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.spec.Rule()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSpec_RejectsMalformedConfig(t *testing.T) {
	bad := []recurrence.Spec{
		{Frequency: "fortnightly"},
		{Frequency: "monthly", Config: json.RawMessage(`{"dayOfMonth": "first"}`)},
		{Frequency: "monthly", Config: json.RawMessage(`{"weekday": 3}`)},
		{Frequency: "yearly", Config: json.RawMessage(`{"month": "Smarch"}`)},
		{Frequency: "hourly", Config: json.RawMessage(`{"hourInterval": 0}`)},
		{Frequency: "weekly", Config: json.RawMessage(`{"days": ["someday"]}`)},
	}
	for _, spec := range bad {
		_, err := spec.Rule()
		assert.ErrorIs(t, err, recurrence.ErrInvalidConfig, string(spec.Frequency)+" "+string(spec.Config))
	}
}

func TestSpecOf_RoundTripsThroughRule(t *testing.T) {
	rules := []recurrence.Rule{
		recurrence.OneTimeRule{},
		recurrence.HourlyRule{IntervalHours: 3},
		recurrence.WeeklyRule{Days: []time.Weekday{time.Tuesday}, At: recurrence.TimeOfDay{Hour: 14, Minute: 5}},
		recurrence.MonthlyRule{DayOfMonth: 11, At: recurrence.TimeOfDay{Hour: 9}},
		recurrence.YearlyRule{Month: time.March, DayOfMonth: 15, At: recurrence.TimeOfDay{Hour: 23, Minute: 59}},
	}
	for _, rule := range rules {
		got, err := recurrence.SpecOf(rule).Rule()
		require.NoError(t, err)
		assert.Equal(t, rule, got)
	}
}
