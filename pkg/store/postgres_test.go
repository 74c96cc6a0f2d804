package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/clinicLedger/pkg/models"
	"github.com/shopspring/decimal"
)

// Runs only against a real database, e.g.
// TEST_DATABASE_URL="host=localhost user=postgres password=postgres dbname=clinic_test sslmode=disable"
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore_PaymentWithInstallments(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	p := newPayment(300)
	plans := newPlans(p.ID, "150", "150")
	err := s.Atomic(ctx, func(tx Storage) error {
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		return tx.CreateInstallments(ctx, plans)
	})
	if err != nil {
		t.Fatalf("Failed to create payment with plan: %v", err)
	}
	t.Cleanup(func() { s.DeletePayment(context.Background(), p.ID) })

	locked, err := s.LockPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to lock payment: %v", err)
	}
	if !locked.Amount.Equal(decimal.NewFromInt(300)) {
		t.Errorf("Expected amount 300, got %s", locked.Amount)
	}

	paidOn := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	if err := s.MarkInstallmentPaid(ctx, plans[0].ID, paidOn); err != nil {
		t.Fatalf("Failed to mark installment paid: %v", err)
	}
	if err := s.MarkInstallmentPaid(ctx, plans[0].ID, paidOn); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict paying twice, got %v", err)
	}
	if err := s.MarkInstallmentPaid(ctx, uuid.New(), paidOn); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	fetched, err := s.ListInstallmentsForPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to list installments: %v", err)
	}
	if len(fetched) != 2 || !fetched[0].IsPaid || fetched[1].IsPaid {
		t.Errorf("Expected first of two installments paid, got %+v", fetched)
	}

	p.Status = models.PaymentStatusPartial
	p.PaidAmount = decimal.NewFromInt(150)
	if err := s.UpdatePayment(ctx, p); err != nil {
		t.Fatalf("Failed to update payment: %v", err)
	}
	partial, err := s.ListPayments(ctx, PaymentFilter{PatientID: p.PatientID, Status: models.PaymentStatusPartial})
	if err != nil {
		t.Fatalf("Failed to list payments: %v", err)
	}
	if len(partial) != 1 || !partial[0].PaidAmount.Equal(decimal.NewFromInt(150)) {
		t.Errorf("Expected one partial payment with 150 paid, got %v", partial)
	}
}
