package installment

import (
	"time"

	"github.com/mcclellann/clinicLedger/pkg/models"
	"github.com/shopspring/decimal"
)

// StatusFor derives a payment status from what has been paid so far.
func StatusFor(paid, total decimal.Decimal) models.PaymentStatus {
	switch {
	case paid.GreaterThanOrEqual(total):
		return models.PaymentStatusPaid
	case paid.IsPositive():
		return models.PaymentStatusPartial
	default:
		return models.PaymentStatusPending
	}
}

// ReconcileStatus is the status after an installment was marked paid.
// It never goes back to pending.
func ReconcileStatus(paidSum, total decimal.Decimal) models.PaymentStatus {
	if paidSum.GreaterThanOrEqual(total) {
		return models.PaymentStatusPaid
	}
	return models.PaymentStatusPartial
}

// PaidTotal sums the amounts of paid rows.
func PaidTotal(plans []*models.InstallmentPlan) decimal.Decimal {
	total := decimal.Zero
	for _, p := range plans {
		if p.IsPaid {
			total = total.Add(p.Amount)
		}
	}
	return total
}

// Summary is the aggregate view of a plan shown next to a payment.
type Summary struct {
	Count         int             `json:"count"`
	PaidCount     int             `json:"paid_count"`
	PaidSum       decimal.Decimal `json:"paid_sum"`
	RemainingSum  decimal.Decimal `json:"remaining_sum"`
	NextDueDate   *time.Time      `json:"next_due_date,omitempty"`
	OverdueCount  int             `json:"overdue_count"`
	OverdueAmount decimal.Decimal `json:"overdue_amount"`
}

// Summarize aggregates plans as of today. Unpaid rows due before today count
// as overdue.
func Summarize(plans []*models.InstallmentPlan, today time.Time) Summary {
	today = models.Date(today)
	s := Summary{
		Count:         len(plans),
		PaidSum:       decimal.Zero,
		RemainingSum:  decimal.Zero,
		OverdueAmount: decimal.Zero,
	}
	for _, p := range plans {
		if p.IsPaid {
			s.PaidCount++
			s.PaidSum = s.PaidSum.Add(p.Amount)
			continue
		}
		s.RemainingSum = s.RemainingSum.Add(p.Amount)
		due := models.Date(p.DueDate)
		if s.NextDueDate == nil || due.Before(*s.NextDueDate) {
			s.NextDueDate = &due
		}
		if due.Before(today) {
			s.OverdueCount++
			s.OverdueAmount = s.OverdueAmount.Add(p.Amount)
		}
	}
	return s
}
