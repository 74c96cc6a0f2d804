package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/clinicLedger/pkg/models"
	"github.com/mcclellann/clinicLedger/pkg/store"
)

// MockStore is an in-memory implementation of the Storage interface for
// testing. Atomic snapshots the maps and restores them when fn fails.
type MockStore struct {
	mu           sync.Mutex
	payments     map[uuid.UUID]*models.Payment
	installments map[uuid.UUID]*models.InstallmentPlan

	// failures injected per method name, consumed one at a time
	failures map[string][]error
}

func NewMockStore() *MockStore {
	return &MockStore{
		payments:     make(map[uuid.UUID]*models.Payment),
		installments: make(map[uuid.UUID]*models.InstallmentPlan),
		failures:     make(map[string][]error),
	}
}

func (m *MockStore) failNext(method string, err error) {
	m.failures[method] = append(m.failures[method], err)
}

func (m *MockStore) injected(method string) error {
	errs := m.failures[method]
	if len(errs) == 0 {
		return nil
	}
	m.failures[method] = errs[1:]
	return errs[0]
}

func copyPayment(p *models.Payment) *models.Payment {
	c := *p
	return &c
}

func copyPlan(p *models.InstallmentPlan) *models.InstallmentPlan {
	c := *p
	if p.PaidDate != nil {
		d := *p.PaidDate
		c.PaidDate = &d
	}
	return &c
}

func (m *MockStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	if err := m.injected("CreatePayment"); err != nil {
		return err
	}
	if _, ok := m.payments[p.ID]; ok {
		return fmt.Errorf("duplicate payment %s", p.ID)
	}
	m.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *MockStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, store.ErrNotFound)
	}
	return copyPayment(p), nil
}

func (m *MockStore) LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return m.GetPayment(ctx, id)
}

func (m *MockStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	if err := m.injected("UpdatePayment"); err != nil {
		return err
	}
	if _, ok := m.payments[p.ID]; !ok {
		return fmt.Errorf("payment %s: %w", p.ID, store.ErrNotFound)
	}
	m.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *MockStore) DeletePayment(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.payments[id]; !ok {
		return fmt.Errorf("payment %s: %w", id, store.ErrNotFound)
	}
	delete(m.payments, id)
	for iid, plan := range m.installments {
		if plan.PaymentID == id {
			delete(m.installments, iid)
		}
	}
	return nil
}

func (m *MockStore) ListPayments(ctx context.Context, filter store.PaymentFilter) ([]*models.Payment, error) {
	var out []*models.Payment
	for _, p := range m.payments {
		if filter.PatientID != uuid.Nil && p.PatientID != filter.PatientID {
			continue
		}
		if filter.AppointmentID != uuid.Nil && p.AppointmentID != filter.AppointmentID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, copyPayment(p))
	}
	return out, nil
}

func (m *MockStore) CreateInstallments(ctx context.Context, plans []*models.InstallmentPlan) error {
	if err := m.injected("CreateInstallments"); err != nil {
		return err
	}
	for _, plan := range plans {
		if _, ok := m.payments[plan.PaymentID]; !ok {
			return fmt.Errorf("payment %s: %w", plan.PaymentID, store.ErrNotFound)
		}
		m.installments[plan.ID] = copyPlan(plan)
	}
	return nil
}

func (m *MockStore) GetInstallment(ctx context.Context, id uuid.UUID) (*models.InstallmentPlan, error) {
	plan, ok := m.installments[id]
	if !ok {
		return nil, fmt.Errorf("installment %s: %w", id, store.ErrNotFound)
	}
	return copyPlan(plan), nil
}

func (m *MockStore) ListInstallmentsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.InstallmentPlan, error) {
	var out []*models.InstallmentPlan
	for _, plan := range m.installments {
		if plan.PaymentID == paymentID {
			out = append(out, copyPlan(plan))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallmentNumber < out[j].InstallmentNumber })
	return out, nil
}

func (m *MockStore) ListUnpaidInstallmentsDueBefore(ctx context.Context, day time.Time) ([]*models.InstallmentPlan, error) {
	var out []*models.InstallmentPlan
	for _, plan := range m.installments {
		p := m.payments[plan.PaymentID]
		if plan.IsPaid || !plan.DueDate.Before(day) || p.Status == models.PaymentStatusCancelled {
			continue
		}
		out = append(out, copyPlan(plan))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (m *MockStore) MarkInstallmentPaid(ctx context.Context, id uuid.UUID, paidDate time.Time) error {
	if err := m.injected("MarkInstallmentPaid"); err != nil {
		return err
	}
	plan, ok := m.installments[id]
	if !ok {
		return fmt.Errorf("installment %s: %w", id, store.ErrNotFound)
	}
	if plan.IsPaid {
		return fmt.Errorf("installment %s already paid: %w", id, store.ErrConflict)
	}
	d := paidDate
	plan.IsPaid = true
	plan.PaidDate = &d
	return nil
}

func (m *MockStore) Atomic(ctx context.Context, fn func(store.Storage) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payments := make(map[uuid.UUID]*models.Payment, len(m.payments))
	for id, p := range m.payments {
		payments[id] = copyPayment(p)
	}
	installments := make(map[uuid.UUID]*models.InstallmentPlan, len(m.installments))
	for id, plan := range m.installments {
		installments[id] = copyPlan(plan)
	}

	if err := fn(m); err != nil {
		m.payments = payments
		m.installments = installments
		return err
	}
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

var _ store.Storage = (*MockStore)(nil)
