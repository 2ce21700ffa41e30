package orders

import (
	"fmt"
	"time"
)

type Period string

const (
	PeriodThisWeek       Period = "thisWeek"
	PeriodThisMonth      Period = "thisMonth"
	PeriodThisYear       Period = "thisYear"
	PeriodOneWeekBefore  Period = "oneWeekBefore"
	PeriodOneMonthBefore Period = "oneMonthBefore"
	Period3MonthsBefore  Period = "3monthsBefore"
	Period6MonthsBefore  Period = "6monthsBefore"
	Period1YearBefore    Period = "1yearBefore"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListFilter selects orders. Zero values mean "no constraint"; From is inclusive and To
// exclusive on CreatedAt.
type ListFilter struct {
	UserID    string
	Status    Status
	From      time.Time
	To        time.Time
	Period    Period
	Page      int // 1-based
	Limit     int
	OrderBy   string // created_at | total_price | status
	Direction string // ASC | DESC
}

var orderColumns = map[string]bool{"created_at": true, "total_price": true, "status": true}

// Normalize validates the filter and resolves Period into From/To relative to now.
func (f ListFilter) Normalize(now time.Time) (ListFilter, error) {
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	if f.Period != "" {
		from, to, err := f.Period.Range(now)
		if err != nil {
			return f, err
		}
		f.From, f.To = from, to
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, fmt.Errorf("%w: empty date range", ErrValidation)
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.OrderBy == "" {
		f.OrderBy = "created_at"
	}
	if !orderColumns[f.OrderBy] {
		return f, fmt.Errorf("%w: cannot order by %q", ErrValidation, f.OrderBy)
	}
	switch f.Direction {
	case "", "asc", "ASC":
		f.Direction = "ASC"
	case "desc", "DESC":
		f.Direction = "DESC"
	default:
		return f, fmt.Errorf("%w: bad direction %q", ErrValidation, f.Direction)
	}
	return f, nil
}

func (f ListFilter) Offset() int { return (f.Page - 1) * f.Limit }

// Matches applies the non-paging part of the filter to one order.
func (f ListFilter) Matches(o *Order) bool {
	if f.UserID != "" && o.UserID != f.UserID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && o.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !o.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// Range returns [from, to) for the preset. "this*" periods run from the start of the
// current calendar week/month/year; "*Before" periods are rolling windows ending now.
func (p Period) Range(now time.Time) (time.Time, time.Time, error) {
	y, m, d := now.Date()
	loc := now.Location()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)
	end := now.Add(time.Nanosecond)

	switch p {
	case PeriodThisWeek:
		offset := (int(today.Weekday()) + 6) % 7 // weeks start on Monday
		return today.AddDate(0, 0, -offset), end, nil
	case PeriodThisMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc), end, nil
	case PeriodThisYear:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc), end, nil
	case PeriodOneWeekBefore:
		return now.AddDate(0, 0, -7), end, nil
	case PeriodOneMonthBefore:
		return now.AddDate(0, -1, 0), end, nil
	case Period3MonthsBefore:
		return now.AddDate(0, -3, 0), end, nil
	case Period6MonthsBefore:
		return now.AddDate(0, -6, 0), end, nil
	case Period1YearBefore:
		return now.AddDate(-1, 0, 0), end, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown period %q", ErrValidation, p)
	}
}
