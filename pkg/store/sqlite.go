package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/clinicLedger/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// NewSQLiteStore opens (or creates) the database file at path and
// initializes the schema. Query parameters in path are kept, except the ones
// in sqliteParams, which always win.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, q: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Printf("SQLite store ready at %s", path)
	return s, nil
}

// Pragmas go in the DSN so every pooled connection gets them. Immediate
// transactions take the write lock at BEGIN, so reconciliations queue up on
// busy_timeout instead of failing on a stale snapshot. LockPayment relies on
// this, so these values override any the caller put in path.
var sqliteParams = map[string]string{
	"_foreign_keys": "on",
	"_journal_mode": "WAL",
	"_busy_timeout": "5000",
	"_txlock":       "immediate",
}

func sqliteDSN(path string) string {
	file, rawQuery, _ := strings.Cut(path, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		query = url.Values{}
	}
	// go-sqlite3 also reads these short aliases
	for _, alias := range []string{"_fk", "_journal", "_timeout"} {
		query.Del(alias)
	}
	for k, v := range sqliteParams {
		query.Set(k, v)
	}
	return file + "?" + query.Encode()
}

// initSchema creates the tables if they don't already exist.
// Decimals are TEXT so no precision is lost; calendar dates are YYYY-MM-DD TEXT.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		appointment_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		payment_method TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		payment_date TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_patient ON payments(patient_id);
	CREATE INDEX IF NOT EXISTS idx_payments_appointment ON payments(appointment_id);
	CREATE TABLE IF NOT EXISTS installment_plans (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		is_paid INTEGER NOT NULL DEFAULT 0,
		paid_date TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(payment_id) REFERENCES payments(id) ON DELETE CASCADE,
		UNIQUE(payment_id, installment_number)
	);
	CREATE INDEX IF NOT EXISTS idx_installment_plans_due ON installment_plans(due_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

const paymentColumns = `id, appointment_id, patient_id, amount, paid_amount, payment_method, status, payment_date, notes, created_at, updated_at`

const installmentColumns = `id, payment_id, installment_number, amount, due_date, is_paid, paid_date, created_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var id, appointmentID, patientID, paymentDate string
	if err := row.Scan(&id, &appointmentID, &patientID, &p.Amount, &p.PaidAmount, &p.Method, &p.Status, &paymentDate, &p.Notes, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad payment id %q: %w", id, err)
	}
	if p.AppointmentID, err = uuid.Parse(appointmentID); err != nil {
		return nil, fmt.Errorf("bad appointment id %q: %w", appointmentID, err)
	}
	if p.PatientID, err = uuid.Parse(patientID); err != nil {
		return nil, fmt.Errorf("bad patient id %q: %w", patientID, err)
	}
	if p.PaymentDate, err = time.Parse(models.DateLayout, paymentDate); err != nil {
		return nil, fmt.Errorf("bad payment date %q: %w", paymentDate, err)
	}
	return &p, nil
}

func scanInstallment(row rowScanner) (*models.InstallmentPlan, error) {
	var plan models.InstallmentPlan
	var id, paymentID, dueDate string
	var paidDate sql.NullString
	if err := row.Scan(&id, &paymentID, &plan.InstallmentNumber, &plan.Amount, &dueDate, &plan.IsPaid, &paidDate, &plan.CreatedAt); err != nil {
		return nil, err
	}

	var err error
	if plan.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad installment id %q: %w", id, err)
	}
	if plan.PaymentID, err = uuid.Parse(paymentID); err != nil {
		return nil, fmt.Errorf("bad payment id %q: %w", paymentID, err)
	}
	if plan.DueDate, err = time.Parse(models.DateLayout, dueDate); err != nil {
		return nil, fmt.Errorf("bad due date %q: %w", dueDate, err)
	}
	if paidDate.Valid {
		d, err := time.Parse(models.DateLayout, paidDate.String)
		if err != nil {
			return nil, fmt.Errorf("bad paid date %q: %w", paidDate.String, err)
		}
		plan.PaidDate = &d
	}
	return &plan, nil
}

func formatDate(t time.Time) string {
	return t.Format(models.DateLayout)
}

// CreatePayment inserts a new payment.
func (s *SQLiteStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.AppointmentID.String(), p.PatientID.String(), p.Amount, p.PaidAmount, p.Method, p.Status, formatDate(p.PaymentDate), p.Notes, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by its ID.
func (s *SQLiteStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id.String())
	p, err := scanPayment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// LockPayment is GetPayment. Transactions here begin IMMEDIATE, so the
// write lock is already held inside Atomic.
func (s *SQLiteStore) LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return s.GetPayment(ctx, id)
}

// UpdatePayment writes every mutable column of a payment.
func (s *SQLiteStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE payments SET appointment_id = ?, patient_id = ?, amount = ?, paid_amount = ?, payment_method = ?, status = ?, payment_date = ?, notes = ?, updated_at = ? WHERE id = ?`,
		p.AppointmentID.String(), p.PatientID.String(), p.Amount, p.PaidAmount, p.Method, p.Status, formatDate(p.PaymentDate), p.Notes, p.UpdatedAt, p.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("payment %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// DeletePayment removes a payment. Its installment rows go with it.
func (s *SQLiteStore) DeletePayment(ctx context.Context, id uuid.UUID) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListPayments returns payments matching filter, newest first.
func (s *SQLiteStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error) {
	var where []string
	var args []any
	if filter.PatientID != uuid.Nil {
		where = append(where, "patient_id = ?")
		args = append(args, filter.PatientID.String())
	}
	if filter.AppointmentID != uuid.Nil {
		where = append(where, "appointment_id = ?")
		args = append(args, filter.AppointmentID.String())
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY payment_date DESC, created_at DESC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return payments, nil
}

// CreateInstallments inserts all rows or none.
func (s *SQLiteStore) CreateInstallments(ctx context.Context, plans []*models.InstallmentPlan) error {
	if len(plans) == 0 {
		return nil
	}
	return s.Atomic(ctx, func(st Storage) error {
		tx := st.(*SQLiteStore)
		for _, plan := range plans {
			var paidDate any
			if plan.PaidDate != nil {
				paidDate = formatDate(*plan.PaidDate)
			}
			_, err := tx.q.ExecContext(ctx,
				`INSERT INTO installment_plans (`+installmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				plan.ID.String(), plan.PaymentID.String(), plan.InstallmentNumber, plan.Amount, formatDate(plan.DueDate), plan.IsPaid, paidDate, plan.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to create installment %d: %w", plan.InstallmentNumber, err)
			}
		}
		return nil
	})
}

// GetInstallment retrieves one installment row.
func (s *SQLiteStore) GetInstallment(ctx context.Context, id uuid.UUID) (*models.InstallmentPlan, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+installmentColumns+` FROM installment_plans WHERE id = ?`, id.String())
	plan, err := scanInstallment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("installment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return plan, nil
}

// ListInstallmentsForPayment returns a payment's rows by installment number.
func (s *SQLiteStore) ListInstallmentsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.InstallmentPlan, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installment_plans WHERE payment_id = ? ORDER BY installment_number ASC`,
		paymentID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for payment %s: %w", paymentID, err)
	}
	defer rows.Close()
	return scanInstallments(rows)
}

// ListUnpaidInstallmentsDueBefore returns unpaid rows with due_date < day.
// Rows of cancelled payments are left out.
func (s *SQLiteStore) ListUnpaidInstallmentsDueBefore(ctx context.Context, day time.Time) ([]*models.InstallmentPlan, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT i.id, i.payment_id, i.installment_number, i.amount, i.due_date, i.is_paid, i.paid_date, i.created_at
		FROM installment_plans i JOIN payments p ON p.id = i.payment_id
		WHERE i.is_paid = 0 AND i.due_date < ? AND p.status != ?
		ORDER BY i.due_date ASC, i.installment_number ASC`,
		formatDate(day), models.PaymentStatusCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get overdue installments: %w", err)
	}
	defer rows.Close()
	return scanInstallments(rows)
}

func scanInstallments(rows *sql.Rows) ([]*models.InstallmentPlan, error) {
	var plans []*models.InstallmentPlan
	for rows.Next() {
		plan, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for installments: %w", err)
	}
	return plans, nil
}

// MarkInstallmentPaid sets is_paid on a row that is still unpaid.
func (s *SQLiteStore) MarkInstallmentPaid(ctx context.Context, id uuid.UUID, paidDate time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE installment_plans SET is_paid = 1, paid_date = ? WHERE id = ? AND is_paid = 0`,
		formatDate(paidDate), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark installment paid: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	var exists int
	err = s.q.QueryRowContext(ctx, `SELECT 1 FROM installment_plans WHERE id = ?`, id.String()).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("installment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check installment: %w", err)
	}
	return fmt.Errorf("installment %s already paid: %w", id, ErrConflict)
}

// Atomic runs fn inside a transaction. Nested calls join the outer one.
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(Storage) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Storage = (*SQLiteStore)(nil)
