package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/clinicLedger/pkg/models"
)

// PaymentFilter narrows ListPayments. Zero fields match everything.
type PaymentFilter struct {
	PatientID     uuid.UUID
	AppointmentID uuid.UUID
	Status        models.PaymentStatus
}

// Storage defines the persistence operations for payments and their
// installment plans.
type Storage interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	// LockPayment reads a payment and, where the backend supports it, holds a
	// row lock on it until the surrounding Atomic call ends.
	LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	DeletePayment(ctx context.Context, id uuid.UUID) error
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error)

	CreateInstallments(ctx context.Context, plans []*models.InstallmentPlan) error
	GetInstallment(ctx context.Context, id uuid.UUID) (*models.InstallmentPlan, error)
	ListInstallmentsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.InstallmentPlan, error)
	ListUnpaidInstallmentsDueBefore(ctx context.Context, day time.Time) ([]*models.InstallmentPlan, error)
	// MarkInstallmentPaid flips is_paid only if it is still false.
	// It returns ErrConflict when the row was already paid.
	MarkInstallmentPaid(ctx context.Context, id uuid.UUID, paidDate time.Time) error

	// Atomic runs fn against a transaction-bound Storage. The transaction
	// commits when fn returns nil and rolls back otherwise.
	Atomic(ctx context.Context, fn func(s Storage) error) error

	Close() error
}
