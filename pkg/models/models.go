package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the wire and storage layout for calendar dates.
const DateLayout = "2006-01-02"

type PaymentMethod string

const (
	PaymentMethodCash        PaymentMethod = "cash"
	PaymentMethodCliq        PaymentMethod = "cliq"
	PaymentMethodInstallment PaymentMethod = "installment"
)

// Valid reports whether m is one of the known payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCliq, PaymentMethodInstallment:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPartial   PaymentStatus = "partial"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPartial, PaymentStatusPaid, PaymentStatusCancelled:
		return true
	}
	return false
}

// Payment is a billable charge for one appointment.
type Payment struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	AppointmentID uuid.UUID       `gorm:"type:uuid;not null;index" json:"appointment_id"`
	PatientID     uuid.UUID       `gorm:"type:uuid;not null;index" json:"patient_id"`
	Amount        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	PaidAmount    decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"paid_amount"`
	Method        PaymentMethod   `gorm:"column:payment_method;size:20;not null" json:"payment_method"`
	Status        PaymentStatus   `gorm:"size:20;not null;default:'pending';index" json:"status"`
	PaymentDate   time.Time       `gorm:"type:date;not null" json:"payment_date"`
	Notes         string          `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// Outstanding is what is still owed on the payment.
func (p *Payment) Outstanding() decimal.Decimal {
	rest := p.Amount.Sub(p.PaidAmount)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// InstallmentPlan is one scheduled sub-payment of a Payment.
type InstallmentPlan struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	PaymentID         uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_installment_payment_number" json:"payment_id"`
	Payment           *Payment        `gorm:"foreignKey:PaymentID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	InstallmentNumber int             `gorm:"not null;uniqueIndex:idx_installment_payment_number" json:"installment_number"`
	Amount            decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	DueDate           time.Time       `gorm:"type:date;not null;index" json:"due_date"`
	IsPaid            bool            `gorm:"not null;default:false" json:"is_paid"`
	PaidDate          *time.Time      `gorm:"type:date" json:"paid_date,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

func (InstallmentPlan) TableName() string {
	return "installment_plans"
}

// Date truncates t to midnight UTC of its calendar day in t's location.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
