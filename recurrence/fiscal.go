/*
fiscal.go - Financial year calendar and period labels

PURPOSE:
  All obligations are scheduled against the Indian financial year, which runs
  from April 1 of year N to March 31 of year N+1. Period labels and due dates
  are computed relative to this calendar, never the Gregorian year.

LABELS:
  Financial year:  "2024-2025"
  Monthly period:  "April-2024"   (calendar year of that month)
  Quarterly:       "Q1-2024-2025" (Q1=Apr-Jun, Q2=Jul-Sep, Q3=Oct-Dec, Q4=Jan-Mar)
  Yearly:          "2024-2025"

EXAMPLE:
  fy := FinancialYearOf(time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC))
  fy.String()                 // "2024-2025"
  fy.MonthYear(time.January)  // 2025

SEE ALSO:
  - resolver.go: Uses these labels to produce occurrences
*/
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FiscalStartMonth is the first month of every financial year.
const FiscalStartMonth = time.April

// =============================================================================
// FINANCIAL YEAR
// =============================================================================

// FinancialYear identifies an April-March fiscal year by its starting year.
// The zero value means "not set".
type FinancialYear struct {
	StartYear int
}

// NewFinancialYear returns the financial year starting in April of startYear.
func NewFinancialYear(startYear int) FinancialYear {
	return FinancialYear{StartYear: startYear}
}

// FinancialYearOf returns the financial year containing t.
func FinancialYearOf(t time.Time) FinancialYear {
	if t.Month() < FiscalStartMonth {
		return FinancialYear{StartYear: t.Year() - 1}
	}
	return FinancialYear{StartYear: t.Year()}
}

// ParseFinancialYear parses labels of the form "2024-2025".
func ParseFinancialYear(s string) (FinancialYear, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return FinancialYear{}, &ConfigError{Field: "financial_year", Reason: fmt.Sprintf("invalid label %q (expected YYYY-YYYY)", s)}
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return FinancialYear{}, &ConfigError{Field: "financial_year", Reason: fmt.Sprintf("invalid start year in %q", s)}
	}
	end, err := strconv.Atoi(parts[1])
	if err != nil || end != start+1 {
		return FinancialYear{}, &ConfigError{Field: "financial_year", Reason: fmt.Sprintf("end year in %q must follow start year", s)}
	}
	return FinancialYear{StartYear: start}, nil
}

// IsZero reports whether the financial year is unset.
func (fy FinancialYear) IsZero() bool { return fy.StartYear == 0 }

// EndYear is the calendar year in which the financial year ends.
func (fy FinancialYear) EndYear() int { return fy.StartYear + 1 }

// String returns the "start-end" label.
func (fy FinancialYear) String() string {
	return fmt.Sprintf("%d-%d", fy.StartYear, fy.EndYear())
}

// Start returns April 1 00:00 of the starting year in loc.
func (fy FinancialYear) Start(loc *time.Location) time.Time {
	return time.Date(fy.StartYear, FiscalStartMonth, 1, 0, 0, 0, 0, loc)
}

// End returns the last instant of March 31 of the ending year in loc.
func (fy FinancialYear) End(loc *time.Location) time.Time {
	return fy.Next().Start(loc).Add(-time.Nanosecond)
}

// Contains reports whether t falls inside the financial year.
func (fy FinancialYear) Contains(t time.Time) bool {
	return FinancialYearOf(t) == fy
}

// Next returns the following financial year.
func (fy FinancialYear) Next() FinancialYear { return FinancialYear{StartYear: fy.StartYear + 1} }

// Previous returns the preceding financial year.
func (fy FinancialYear) Previous() FinancialYear { return FinancialYear{StartYear: fy.StartYear - 1} }

// MonthYear returns the calendar year a month belongs to within this financial
// year: the start year for April-December, the end year for January-March.
func (fy FinancialYear) MonthYear(m time.Month) int {
	if m < FiscalStartMonth {
		return fy.EndYear()
	}
	return fy.StartYear
}

// Months returns the twelve fiscal months in order, April first.
func (fy FinancialYear) Months() []time.Month {
	months := make([]time.Month, 0, 12)
	for i := 0; i < 12; i++ {
		months = append(months, time.Month((int(FiscalStartMonth)-1+i)%12+1))
	}
	return months
}

// =============================================================================
// QUARTERS
// =============================================================================

// Quarter is a fiscal quarter, 1 through 4.
type Quarter int

// QuarterOf returns the fiscal quarter containing month m.
func QuarterOf(m time.Month) Quarter {
	offset := (int(m) - int(FiscalStartMonth) + 12) % 12
	return Quarter(offset/3 + 1)
}

// FirstMonth returns the first calendar month of the quarter.
func (q Quarter) FirstMonth() time.Month {
	return time.Month((int(FiscalStartMonth)-1+(int(q)-1)*3)%12 + 1)
}

// =============================================================================
// PERIOD LABELS
// =============================================================================

// MonthLabel returns "MonthName-Year", e.g. "April-2024".
func MonthLabel(m time.Month, year int) string {
	return fmt.Sprintf("%s-%d", m.String(), year)
}

// MonthLabelOf returns the month label for the month containing t.
func MonthLabelOf(t time.Time) string {
	return MonthLabel(t.Month(), t.Year())
}

// QuarterLabel returns "Qn-start-end", e.g. "Q1-2024-2025".
func QuarterLabel(q Quarter, fy FinancialYear) string {
	return fmt.Sprintf("Q%d-%s", int(q), fy.String())
}

// YearLabel returns the financial-year label used as a yearly period.
func YearLabel(fy FinancialYear) string {
	return fy.String()
}
