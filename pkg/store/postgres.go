package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/clinicLedger/pkg/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PostgresStore keeps payments and installment plans in PostgreSQL via gorm.
type PostgresStore struct {
	db   *gorm.DB
	inTx bool
}

// NewPostgresStore connects to dsn, sizes the pool and migrates the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.AutoMigrate(&models.Payment{}, &models.InstallmentPlan{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	log.Println("Postgres store connected and schema migrated.")
	return &PostgresStore{db: db}, nil
}

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "payment", id)
	}
	return &p, nil
}

// LockPayment reads the payment with SELECT ... FOR UPDATE. Outside Atomic
// the lock is released as soon as the statement finishes.
func (s *PostgresStore) LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "payment", id)
	}
	return &p, nil
}

func (s *PostgresStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	res := s.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ?", p.ID).
		Updates(map[string]any{
			"appointment_id": p.AppointmentID,
			"patient_id":     p.PatientID,
			"amount":         p.Amount,
			"paid_amount":    p.PaidAmount,
			"payment_method": p.Method,
			"status":         p.Status,
			"payment_date":   p.PaymentDate,
			"notes":          p.Notes,
			"updated_at":     p.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("payment %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeletePayment(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&models.Payment{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error) {
	q := s.db.WithContext(ctx).Model(&models.Payment{})
	if filter.PatientID != uuid.Nil {
		q = q.Where("patient_id = ?", filter.PatientID)
	}
	if filter.AppointmentID != uuid.Nil {
		q = q.Where("appointment_id = ?", filter.AppointmentID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var payments []*models.Payment
	if err := q.Order("payment_date DESC, created_at DESC").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// CreateInstallments inserts the rows in one batch, which is a single
// statement and therefore all-or-nothing.
func (s *PostgresStore) CreateInstallments(ctx context.Context, plans []*models.InstallmentPlan) error {
	if len(plans) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(plans).Error; err != nil {
		return fmt.Errorf("failed to create installments: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInstallment(ctx context.Context, id uuid.UUID) (*models.InstallmentPlan, error) {
	var plan models.InstallmentPlan
	if err := s.db.WithContext(ctx).First(&plan, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "installment", id)
	}
	return &plan, nil
}

func (s *PostgresStore) ListInstallmentsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.InstallmentPlan, error) {
	var plans []*models.InstallmentPlan
	if err := s.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("installment_number ASC").
		Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("failed to get installments for payment %s: %w", paymentID, err)
	}
	return plans, nil
}

func (s *PostgresStore) ListUnpaidInstallmentsDueBefore(ctx context.Context, day time.Time) ([]*models.InstallmentPlan, error) {
	var plans []*models.InstallmentPlan
	if err := s.db.WithContext(ctx).
		Table("installment_plans").
		Select("installment_plans.*").
		Joins("JOIN payments ON payments.id = installment_plans.payment_id").
		Where("installment_plans.is_paid = ? AND installment_plans.due_date < ? AND payments.status <> ?",
			false, models.Date(day), models.PaymentStatusCancelled).
		Order("installment_plans.due_date ASC, installment_plans.installment_number ASC").
		Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("failed to get overdue installments: %w", err)
	}
	return plans, nil
}

func (s *PostgresStore) MarkInstallmentPaid(ctx context.Context, id uuid.UUID, paidDate time.Time) error {
	day := models.Date(paidDate)
	res := s.db.WithContext(ctx).
		Model(&models.InstallmentPlan{}).
		Where("id = ? AND is_paid = ?", id, false).
		Updates(map[string]any{"is_paid": true, "paid_date": &day})
	if res.Error != nil {
		return fmt.Errorf("failed to mark installment paid: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.InstallmentPlan{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check installment: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("installment %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("installment %s already paid: %w", id, ErrConflict)
}

// Atomic runs fn in a gorm transaction. Nested calls join the outer one.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(Storage) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&PostgresStore{db: tx, inTx: true})
	})
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Storage = (*PostgresStore)(nil)
