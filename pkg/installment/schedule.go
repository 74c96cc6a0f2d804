package installment

import (
	"errors"
	"time"

	"github.com/mcclellann/clinicLedger/pkg/models"
	"github.com/shopspring/decimal"
)

// Currency precision in decimal places.
const currencyPlaces = 2

// MaxInstallments caps a schedule at ten years of monthly installments.
const MaxInstallments = 120

var (
	ErrInvalidCount   = errors.New("installment count must be at least 1")
	ErrTooMany        = errors.New("installment count exceeds the maximum")
	ErrInvalidAmount  = errors.New("total amount must be positive")
	ErrFractionalCent = errors.New("total amount has more than 2 decimal places")
	ErrUnsplittable   = errors.New("total amount is too small for the installment count")
)

// IsCents reports whether d has no more than currency precision.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(currencyPlaces))
}

// Options carries the call-site policies of a schedule.
type Options struct {
	// FirstInstallmentPrepaid marks installment #1 as paid on PaidOn,
	// for the flow where the first installment is collected at the desk.
	FirstInstallmentPrepaid bool
	PaidOn                  time.Time
}

// Entry is one generated row of a schedule.
type Entry struct {
	Number   int
	Amount   decimal.Decimal
	DueDate  time.Time
	IsPaid   bool
	PaidDate *time.Time
}

// GenerateSchedule splits total into count installments, monthly from
// firstDue. Installments 1..count-1 get the share rounded to currency
// precision; the last one absorbs the remainder so the amounts sum to total.
func GenerateSchedule(total decimal.Decimal, count int, firstDue time.Time, opts Options) ([]Entry, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}
	if count > MaxInstallments {
		return nil, ErrTooMany
	}
	if !total.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !IsCents(total) {
		return nil, ErrFractionalCent
	}

	share := total.Div(decimal.NewFromInt(int64(count)))
	rounded := share.Round(currencyPlaces)
	if count > 1 && !rounded.IsPositive() {
		return nil, ErrUnsplittable
	}
	first := models.Date(firstDue)

	entries := make([]Entry, 0, count)
	allocated := decimal.Zero
	for i := 1; i <= count; i++ {
		amount := rounded
		if i == count {
			amount = total.Sub(allocated)
			if !amount.IsPositive() {
				return nil, ErrUnsplittable
			}
		}
		allocated = allocated.Add(amount)

		entries = append(entries, Entry{
			Number:  i,
			Amount:  amount,
			DueDate: AddMonths(first, i-1),
		})
	}

	if opts.FirstInstallmentPrepaid {
		paidOn := models.Date(opts.PaidOn)
		entries[0].IsPaid = true
		entries[0].PaidDate = &paidOn
	}

	return entries, nil
}

// DueFromAnchor is the first due date for plans that start one month after
// the anchor date.
func DueFromAnchor(anchor time.Time) time.Time {
	return AddMonths(models.Date(anchor), 1)
}

// AddMonths advances t by n calendar months. If the target month is shorter
// than t's day, the result is clamped to its last day.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(target.Year(), target.Month(), t.Location()); d > last {
		d = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(target.Year(), target.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// Sum adds up the amounts of entries.
func Sum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}

// PaidSum adds up the amounts of prepaid entries.
func PaidSum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if e.IsPaid {
			total = total.Add(e.Amount)
		}
	}
	return total
}
