package installment

import (
	"testing"

	"github.com/mcclellann/clinicLedger/pkg/models"
	"github.com/shopspring/decimal"
)

func TestStatusFor(t *testing.T) {
	total := decimal.NewFromInt(300)
	tests := []struct {
		paid string
		want models.PaymentStatus
	}{
		{"0", models.PaymentStatusPending},
		{"0.01", models.PaymentStatusPartial},
		{"299.99", models.PaymentStatusPartial},
		{"300", models.PaymentStatusPaid},
		{"300.01", models.PaymentStatusPaid},
	}

	for _, tt := range tests {
		if got := StatusFor(decimal.RequireFromString(tt.paid), total); got != tt.want {
			t.Errorf("StatusFor(%s): expected %s, got %s", tt.paid, tt.want, got)
		}
	}
}

func TestReconcileStatus_NeverPending(t *testing.T) {
	total := decimal.NewFromInt(300)
	if got := ReconcileStatus(decimal.Zero, total); got != models.PaymentStatusPartial {
		t.Errorf("Expected partial for zero paid sum, got %s", got)
	}
	if got := ReconcileStatus(decimal.NewFromInt(150), total); got != models.PaymentStatusPartial {
		t.Errorf("Expected partial, got %s", got)
	}
	if got := ReconcileStatus(total, total); got != models.PaymentStatusPaid {
		t.Errorf("Expected paid, got %s", got)
	}
}

func TestSummarize(t *testing.T) {
	paidOn := date("2024-01-15")
	plans := []*models.InstallmentPlan{
		{InstallmentNumber: 1, Amount: decimal.NewFromInt(100), DueDate: date("2024-01-15"), IsPaid: true, PaidDate: &paidOn},
		{InstallmentNumber: 2, Amount: decimal.NewFromInt(100), DueDate: date("2024-02-15")},
		{InstallmentNumber: 3, Amount: decimal.NewFromInt(100), DueDate: date("2024-03-15")},
	}

	s := Summarize(plans, date("2024-03-01"))

	if s.Count != 3 || s.PaidCount != 1 {
		t.Errorf("Expected 3 rows with 1 paid, got %d/%d", s.Count, s.PaidCount)
	}
	if !s.PaidSum.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected paid sum 100, got %s", s.PaidSum)
	}
	if !s.RemainingSum.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Expected remaining 200, got %s", s.RemainingSum)
	}
	if s.NextDueDate == nil || s.NextDueDate.Format(models.DateLayout) != "2024-02-15" {
		t.Errorf("Expected next due 2024-02-15, got %v", s.NextDueDate)
	}
	if s.OverdueCount != 1 || !s.OverdueAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected 1 overdue of 100, got %d of %s", s.OverdueCount, s.OverdueAmount)
	}
}

func TestSummarize_AllPaid(t *testing.T) {
	plans := []*models.InstallmentPlan{
		{InstallmentNumber: 1, Amount: decimal.NewFromInt(50), DueDate: date("2024-01-15"), IsPaid: true},
		{InstallmentNumber: 2, Amount: decimal.NewFromInt(50), DueDate: date("2024-02-15"), IsPaid: true},
	}

	s := Summarize(plans, date("2024-06-01"))
	if s.NextDueDate != nil {
		t.Errorf("Expected no next due date, got %v", s.NextDueDate)
	}
	if s.OverdueCount != 0 || !s.RemainingSum.IsZero() {
		t.Errorf("Expected nothing remaining, got %d overdue, %s remaining", s.OverdueCount, s.RemainingSum)
	}
	if !PaidTotal(plans).Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected paid total 100, got %s", PaidTotal(plans))
	}
}
