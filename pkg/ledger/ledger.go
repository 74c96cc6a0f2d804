package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/clinicLedger/pkg/installment"
	"github.com/mcclellann/clinicLedger/pkg/models"
	"github.com/mcclellann/clinicLedger/pkg/store"
	"github.com/shopspring/decimal"
)

const defaultMaxRetries = 3

// maxAmount is the largest value a numeric(12,2) column holds.
var maxAmount = decimal.RequireFromString("9999999999.99")

// ValidationError reports a bad input field. It is returned before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func checkAmount(field string, d decimal.Decimal) error {
	if !installment.IsCents(d) {
		return invalid(field, "must not have more than 2 decimal places")
	}
	if d.GreaterThan(maxAmount) {
		return invalid(field, "must not exceed "+maxAmount.StringFixed(2))
	}
	return nil
}

func checkCount(count int) error {
	if count < 1 {
		return invalid("installment_count", "must be at least 1")
	}
	if count > installment.MaxInstallments {
		return invalid("installment_count", fmt.Sprintf("must not exceed %d", installment.MaxInstallments))
	}
	return nil
}

// Ledger handles the business logic for payments and installment plans.
type Ledger struct {
	storage    store.Storage
	now        func() time.Time
	loc        *time.Location
	maxRetries int
}

type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the time zone that decides what "today" is.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithMaxRetries bounds how often a reconciliation is retried on store
// contention.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:    s,
		now:        time.Now,
		loc:        time.UTC,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) today() time.Time {
	return models.Date(l.now().In(l.loc))
}

// CreatePaymentInput is what the payment dialog submits.
type CreatePaymentInput struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	Amount        decimal.Decimal
	Method        models.PaymentMethod
	PaymentDate   time.Time
	Notes         string

	// Cash and cliq only.
	PaidAmount decimal.Decimal
	PayInFull  bool

	// Installment only.
	InstallmentCount        int
	FirstDueDate            time.Time
	FirstInstallmentPrepaid bool
}

func (in *CreatePaymentInput) validate() error {
	if in.AppointmentID == uuid.Nil {
		return invalid("appointment_id", "is required")
	}
	if in.PatientID == uuid.Nil {
		return invalid("patient_id", "is required")
	}
	if !in.Amount.IsPositive() {
		return invalid("amount", "must be greater than zero")
	}
	if err := checkAmount("amount", in.Amount); err != nil {
		return err
	}
	if !in.Method.Valid() {
		return invalid("payment_method", fmt.Sprintf("unknown method %q", in.Method))
	}

	if in.Method == models.PaymentMethodInstallment {
		if err := checkCount(in.InstallmentCount); err != nil {
			return err
		}
		if in.FirstDueDate.IsZero() {
			return invalid("first_due_date", "is required")
		}
		if !in.PaidAmount.IsZero() {
			return invalid("paid_amount", "is derived from the installment schedule")
		}
		return nil
	}

	if in.PaidAmount.IsNegative() {
		return invalid("paid_amount", "must not be negative")
	}
	if err := checkAmount("paid_amount", in.PaidAmount); err != nil {
		return err
	}
	if in.PaidAmount.GreaterThan(in.Amount) {
		return invalid("paid_amount", "must not exceed amount")
	}
	return nil
}

// CreatePayment records a charge. For the installment method the schedule is
// generated and written together with the payment.
func (l *Ledger) CreatePayment(ctx context.Context, in CreatePaymentInput) (*models.Payment, []*models.InstallmentPlan, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}

	now := l.now()
	paymentDate := in.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = l.today()
	}

	payment := &models.Payment{
		ID:            uuid.New(),
		AppointmentID: in.AppointmentID,
		PatientID:     in.PatientID,
		Amount:        in.Amount,
		PaidAmount:    in.PaidAmount,
		Method:        in.Method,
		PaymentDate:   models.Date(paymentDate),
		Notes:         in.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var plans []*models.InstallmentPlan
	if in.Method == models.PaymentMethodInstallment {
		entries, err := installment.GenerateSchedule(in.Amount, in.InstallmentCount, in.FirstDueDate, installment.Options{
			FirstInstallmentPrepaid: in.FirstInstallmentPrepaid,
			PaidOn:                  payment.PaymentDate,
		})
		if err != nil {
			return nil, nil, scheduleError(err)
		}
		payment.PaidAmount = installment.PaidSum(entries)
		plans = plansFor(payment.ID, entries, now)
	} else if in.PayInFull && in.PaidAmount.IsZero() {
		payment.PaidAmount = in.Amount
	}
	payment.Status = installment.StatusFor(payment.PaidAmount, payment.Amount)

	err := l.storage.Atomic(ctx, func(s store.Storage) error {
		if err := s.CreatePayment(ctx, payment); err != nil {
			return err
		}
		return s.CreateInstallments(ctx, plans)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to store payment: %w", err)
	}

	return payment, plans, nil
}

// CreateInstallmentPlan puts an existing, untouched payment on an installment
// plan whose first installment is due one month after anchor.
func (l *Ledger) CreateInstallmentPlan(ctx context.Context, paymentID uuid.UUID, count int, anchor time.Time) (*models.Payment, []*models.InstallmentPlan, error) {
	if err := checkCount(count); err != nil {
		return nil, nil, err
	}
	if anchor.IsZero() {
		anchor = l.today()
	}

	var payment *models.Payment
	var plans []*models.InstallmentPlan
	err := l.storage.Atomic(ctx, func(s store.Storage) error {
		p, err := s.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status == models.PaymentStatusCancelled {
			return fmt.Errorf("payment %s is cancelled: %w", p.ID, store.ErrConflict)
		}
		if p.PaidAmount.IsPositive() {
			return fmt.Errorf("payment %s already has %s paid: %w", p.ID, p.PaidAmount.StringFixed(2), store.ErrConflict)
		}
		existing, err := s.ListInstallmentsForPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("payment %s already has an installment plan: %w", p.ID, store.ErrConflict)
		}

		entries, err := installment.GenerateSchedule(p.Amount, count, installment.DueFromAnchor(anchor), installment.Options{})
		if err != nil {
			return scheduleError(err)
		}

		now := l.now()
		p.Method = models.PaymentMethodInstallment
		p.Status = installment.StatusFor(p.PaidAmount, p.Amount)
		p.UpdatedAt = now
		if err := s.UpdatePayment(ctx, p); err != nil {
			return err
		}

		plans = plansFor(p.ID, entries, now)
		if err := s.CreateInstallments(ctx, plans); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return payment, plans, nil
}

// RecordInstallmentPayment marks one installment paid today and reconciles
// the owning payment from the paid rows, all inside one store transaction.
// Paying the same installment twice fails with store.ErrConflict.
func (l *Ledger) RecordInstallmentPayment(ctx context.Context, installmentID uuid.UUID) (*models.Payment, *models.InstallmentPlan, error) {
	var payment *models.Payment
	var paidPlan *models.InstallmentPlan

	var err error
	for attempt := 0; ; attempt++ {
		err = l.storage.Atomic(ctx, func(s store.Storage) error {
			var err error
			payment, paidPlan, err = l.reconcile(ctx, s, installmentID)
			return err
		})
		if err == nil || !store.IsRetryable(err) || attempt >= l.maxRetries {
			break
		}
		log.Printf("Retrying payment of installment %s after contention (attempt %d): %v", installmentID, attempt+1, err)
	}
	if err != nil {
		return nil, nil, err
	}

	log.Printf("Installment %d of payment %s paid (%s of %s, status %s)",
		paidPlan.InstallmentNumber, payment.ID, payment.PaidAmount.StringFixed(2), payment.Amount.StringFixed(2), payment.Status)
	return payment, paidPlan, nil
}

func (l *Ledger) reconcile(ctx context.Context, s store.Storage, installmentID uuid.UUID) (*models.Payment, *models.InstallmentPlan, error) {
	plan, err := s.GetInstallment(ctx, installmentID)
	if err != nil {
		return nil, nil, err
	}

	payment, err := s.LockPayment(ctx, plan.PaymentID)
	if err != nil {
		return nil, nil, err
	}
	if payment.Status == models.PaymentStatusCancelled {
		return nil, nil, fmt.Errorf("payment %s is cancelled: %w", payment.ID, store.ErrConflict)
	}

	if err := s.MarkInstallmentPaid(ctx, plan.ID, l.today()); err != nil {
		return nil, nil, err
	}

	plans, err := s.ListInstallmentsForPayment(ctx, payment.ID)
	if err != nil {
		return nil, nil, err
	}

	totalPaid := installment.PaidTotal(plans)
	payment.Status = installment.ReconcileStatus(totalPaid, payment.Amount)
	if totalPaid.GreaterThan(payment.Amount) {
		log.Printf("Paid installments of payment %s sum to %s, over its amount %s; clamping",
			payment.ID, totalPaid.StringFixed(2), payment.Amount.StringFixed(2))
		totalPaid = payment.Amount
	}
	payment.PaidAmount = totalPaid
	payment.UpdatedAt = l.now()

	if err := s.UpdatePayment(ctx, payment); err != nil {
		return nil, nil, err
	}

	for _, p := range plans {
		if p.ID == plan.ID {
			plan = p
			break
		}
	}
	return payment, plan, nil
}

// PaymentDetails carries the metadata that can change independently of
// installment payments. Nil fields are left as they are.
type PaymentDetails struct {
	Method *models.PaymentMethod
	Notes  *string
}

// UpdatePaymentDetails changes a payment's method and notes.
func (l *Ledger) UpdatePaymentDetails(ctx context.Context, id uuid.UUID, details PaymentDetails) (*models.Payment, error) {
	if details.Method != nil && !details.Method.Valid() {
		return nil, invalid("payment_method", fmt.Sprintf("unknown method %q", *details.Method))
	}

	var payment *models.Payment
	err := l.storage.Atomic(ctx, func(s store.Storage) error {
		p, err := s.LockPayment(ctx, id)
		if err != nil {
			return err
		}

		if details.Method != nil && *details.Method != p.Method {
			if p.Method == models.PaymentMethodInstallment {
				plans, err := s.ListInstallmentsForPayment(ctx, p.ID)
				if err != nil {
					return err
				}
				if len(plans) > 0 {
					return fmt.Errorf("payment %s has an installment plan: %w", p.ID, store.ErrConflict)
				}
			}
			p.Method = *details.Method
		}
		if details.Notes != nil {
			p.Notes = *details.Notes
		}

		p.UpdatedAt = l.now()
		if err := s.UpdatePayment(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// CancelPayment moves a payment to the terminal cancelled state. A fully paid
// payment cannot be cancelled; cancelling twice is a no-op.
func (l *Ledger) CancelPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment *models.Payment
	err := l.storage.Atomic(ctx, func(s store.Storage) error {
		p, err := s.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		switch p.Status {
		case models.PaymentStatusCancelled:
			payment = p
			return nil
		case models.PaymentStatusPaid:
			return fmt.Errorf("payment %s is already paid: %w", p.ID, store.ErrConflict)
		}

		p.Status = models.PaymentStatusCancelled
		p.UpdatedAt = l.now()
		if err := s.UpdatePayment(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Payment %s cancelled", payment.ID)
	return payment, nil
}

// DeletePayment removes a plain payment record. Payments on an installment
// plan are never deleted; cancel them instead.
func (l *Ledger) DeletePayment(ctx context.Context, id uuid.UUID) error {
	return l.storage.Atomic(ctx, func(s store.Storage) error {
		if _, err := s.LockPayment(ctx, id); err != nil {
			return err
		}
		plans, err := s.ListInstallmentsForPayment(ctx, id)
		if err != nil {
			return err
		}
		if len(plans) > 0 {
			return fmt.Errorf("payment %s has an installment plan: %w", id, store.ErrConflict)
		}
		return s.DeletePayment(ctx, id)
	})
}

// GetPayment retrieves a payment by its ID.
func (l *Ledger) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return l.storage.GetPayment(ctx, id)
}

// ListPayments retrieves payments matching filter.
func (l *Ledger) ListPayments(ctx context.Context, filter store.PaymentFilter) ([]*models.Payment, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	return l.storage.ListPayments(ctx, filter)
}

// ListInstallments returns a payment's schedule and its summary as of today.
func (l *Ledger) ListInstallments(ctx context.Context, paymentID uuid.UUID) ([]*models.InstallmentPlan, installment.Summary, error) {
	if _, err := l.storage.GetPayment(ctx, paymentID); err != nil {
		return nil, installment.Summary{}, err
	}
	plans, err := l.storage.ListInstallmentsForPayment(ctx, paymentID)
	if err != nil {
		return nil, installment.Summary{}, err
	}
	return plans, installment.Summarize(plans, l.today()), nil
}

// ListOverdueInstallments returns unpaid installments due before today.
func (l *Ledger) ListOverdueInstallments(ctx context.Context) ([]*models.InstallmentPlan, error) {
	return l.storage.ListUnpaidInstallmentsDueBefore(ctx, l.today())
}

// PreviewSchedule computes a schedule without storing anything.
func (l *Ledger) PreviewSchedule(total decimal.Decimal, count int, firstDue time.Time, prepaid bool) ([]installment.Entry, error) {
	if firstDue.IsZero() {
		return nil, invalid("first_due_date", "is required")
	}
	if err := checkCount(count); err != nil {
		return nil, err
	}
	if err := checkAmount("amount", total); err != nil {
		return nil, err
	}
	entries, err := installment.GenerateSchedule(total, count, firstDue, installment.Options{
		FirstInstallmentPrepaid: prepaid,
		PaidOn:                  l.today(),
	})
	if err != nil {
		return nil, scheduleError(err)
	}
	return entries, nil
}

func plansFor(paymentID uuid.UUID, entries []installment.Entry, now time.Time) []*models.InstallmentPlan {
	plans := make([]*models.InstallmentPlan, 0, len(entries))
	for _, e := range entries {
		plans = append(plans, &models.InstallmentPlan{
			ID:                uuid.New(),
			PaymentID:         paymentID,
			InstallmentNumber: e.Number,
			Amount:            e.Amount,
			DueDate:           e.DueDate,
			IsPaid:            e.IsPaid,
			PaidDate:          e.PaidDate,
			CreatedAt:         now,
		})
	}
	return plans
}

func scheduleError(err error) error {
	switch {
	case errors.Is(err, installment.ErrInvalidCount), errors.Is(err, installment.ErrTooMany):
		return invalid("installment_count", err.Error())
	case errors.Is(err, installment.ErrInvalidAmount), errors.Is(err, installment.ErrFractionalCent):
		return invalid("amount", err.Error())
	case errors.Is(err, installment.ErrUnsplittable):
		return invalid("installment_count", err.Error())
	}
	return err
}
