package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/clinicLedger/pkg/installment"
	"github.com/mcclellann/clinicLedger/pkg/models"
	"github.com/shopspring/decimal"
)

// Date is a calendar day on the wire, "YYYY-MM-DD". Empty strings and null
// decode to the zero value.
type Date struct {
	time.Time
}

func NewDate(t time.Time) Date {
	return Date{models.Date(t)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(models.DateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		d.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		return fmt.Errorf("date %q must be YYYY-MM-DD", s)
	}
	d.Time = t
	return nil
}

// Money renders a decimal amount with two places, "125.00". It decodes any
// decimal JSON value.
type Money struct {
	decimal.Decimal
}

func NewMoney(d decimal.Decimal) Money {
	return Money{d}
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.StringFixed(2))
}

type createPaymentRequest struct {
	AppointmentID           uuid.UUID            `json:"appointment_id"`
	PatientID               uuid.UUID            `json:"patient_id"`
	Amount                  decimal.Decimal      `json:"amount"`
	PaymentMethod           models.PaymentMethod `json:"payment_method"`
	PaymentDate             Date                 `json:"payment_date"`
	Notes                   string               `json:"notes"`
	PaidAmount              decimal.Decimal      `json:"paid_amount"`
	PayInFull               bool                 `json:"pay_in_full"`
	InstallmentCount        int                  `json:"installment_count"`
	FirstDueDate            Date                 `json:"first_due_date"`
	FirstInstallmentPrepaid bool                 `json:"first_installment_prepaid"`
}

type updatePaymentRequest struct {
	PaymentMethod *models.PaymentMethod `json:"payment_method"`
	Notes         *string               `json:"notes"`
}

type createPlanRequest struct {
	InstallmentCount int  `json:"installment_count"`
	AnchorDate       Date `json:"anchor_date"`
}

type previewRequest struct {
	Amount                  decimal.Decimal `json:"amount"`
	InstallmentCount        int             `json:"installment_count"`
	FirstDueDate            Date            `json:"first_due_date"`
	FirstInstallmentPrepaid bool            `json:"first_installment_prepaid"`
}

type paymentResponse struct {
	ID            uuid.UUID            `json:"id"`
	AppointmentID uuid.UUID            `json:"appointment_id"`
	PatientID     uuid.UUID            `json:"patient_id"`
	Amount        Money                `json:"amount"`
	PaidAmount    Money                `json:"paid_amount"`
	Outstanding   Money                `json:"outstanding"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	Status        models.PaymentStatus `json:"status"`
	PaymentDate   Date                 `json:"payment_date"`
	Notes         string               `json:"notes,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func toPayment(p *models.Payment) paymentResponse {
	return paymentResponse{
		ID:            p.ID,
		AppointmentID: p.AppointmentID,
		PatientID:     p.PatientID,
		Amount:        NewMoney(p.Amount),
		PaidAmount:    NewMoney(p.PaidAmount),
		Outstanding:   NewMoney(p.Outstanding()),
		PaymentMethod: p.Method,
		Status:        p.Status,
		PaymentDate:   NewDate(p.PaymentDate),
		Notes:         p.Notes,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func toPayments(payments []*models.Payment) []paymentResponse {
	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, toPayment(p))
	}
	return out
}

type installmentResponse struct {
	ID                uuid.UUID `json:"id"`
	PaymentID         uuid.UUID `json:"payment_id"`
	InstallmentNumber int       `json:"installment_number"`
	Amount            Money     `json:"amount"`
	DueDate           Date      `json:"due_date"`
	IsPaid            bool      `json:"is_paid"`
	PaidDate          *Date     `json:"paid_date"`
}

func toInstallment(p *models.InstallmentPlan) installmentResponse {
	r := installmentResponse{
		ID:                p.ID,
		PaymentID:         p.PaymentID,
		InstallmentNumber: p.InstallmentNumber,
		Amount:            NewMoney(p.Amount),
		DueDate:           NewDate(p.DueDate),
		IsPaid:            p.IsPaid,
	}
	if p.PaidDate != nil {
		d := NewDate(*p.PaidDate)
		r.PaidDate = &d
	}
	return r
}

func toInstallments(plans []*models.InstallmentPlan) []installmentResponse {
	out := make([]installmentResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, toInstallment(p))
	}
	return out
}

type summaryResponse struct {
	Count         int   `json:"count"`
	PaidCount     int   `json:"paid_count"`
	PaidSum       Money `json:"paid_sum"`
	RemainingSum  Money `json:"remaining_sum"`
	NextDueDate   *Date `json:"next_due_date"`
	OverdueCount  int   `json:"overdue_count"`
	OverdueAmount Money `json:"overdue_amount"`
}

func toSummary(s installment.Summary) summaryResponse {
	r := summaryResponse{
		Count:         s.Count,
		PaidCount:     s.PaidCount,
		PaidSum:       NewMoney(s.PaidSum),
		RemainingSum:  NewMoney(s.RemainingSum),
		OverdueCount:  s.OverdueCount,
		OverdueAmount: NewMoney(s.OverdueAmount),
	}
	if s.NextDueDate != nil {
		d := NewDate(*s.NextDueDate)
		r.NextDueDate = &d
	}
	return r
}

type entryResponse struct {
	InstallmentNumber int   `json:"installment_number"`
	Amount            Money `json:"amount"`
	DueDate           Date  `json:"due_date"`
	IsPaid            bool  `json:"is_paid"`
}

func toEntries(entries []installment.Entry) []entryResponse {
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			InstallmentNumber: e.Number,
			Amount:            NewMoney(e.Amount),
			DueDate:           NewDate(e.DueDate),
			IsPaid:            e.IsPaid,
		})
	}
	return out
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
