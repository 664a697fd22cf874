package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yeremiapane/course-settlement/utils"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

var (
	ErrInvalidAmount     = errors.New("invalid payment amount")
	ErrInvalidTransition = errors.New("invalid payment status transition")
	ErrAmountMismatch    = errors.New("gateway amount does not match payment amount")
	ErrGatewayMismatch   = errors.New("result gateway does not own payment")
	ErrResultPending     = errors.New("gateway result is still pending")
)

// IsTerminal reports whether callbacks can no longer change the payment.
// Only completed payments move on afterwards, and only through a refund.
func (s PaymentStatus) IsTerminal() bool {
	return s != PaymentStatusPending
}

// CanTransition reports whether from -> to is an edge of the payment lifecycle.
func CanTransition(from, to PaymentStatus) bool {
	switch from {
	case PaymentStatusPending:
		return to == PaymentStatusCompleted || to == PaymentStatusFailed || to == PaymentStatusCancelled
	case PaymentStatusCompleted:
		return to == PaymentStatusRefunded
	}
	return false
}

// Payment is a single purchase attempt of a course by a student.
type Payment struct {
	ID                    string          `json:"id" gorm:"type:varchar(36);primaryKey"`
	TransactionID         string          `json:"transaction_id" gorm:"type:varchar(64);uniqueIndex;not null"`
	PayerID               string          `json:"payer_id" gorm:"type:varchar(64);index;not null"`
	ProductID             string          `json:"product_id" gorm:"type:varchar(64);index;not null"`
	Amount                decimal.Decimal `json:"amount" gorm:"type:decimal(12,2);not null"`
	DiscountAmount        decimal.Decimal `json:"discount_amount" gorm:"type:decimal(12,2);not null"`
	FinalAmount           decimal.Decimal `json:"final_amount" gorm:"type:decimal(12,2);not null"`
	Currency              string          `json:"currency" gorm:"type:varchar(3);not null"`
	Status                PaymentStatus   `json:"status" gorm:"type:varchar(20);not null;default:'pending';index:idx_payments_status_created_at,priority:1"`
	GatewayName           string          `json:"gateway" gorm:"type:varchar(20);not null"`
	GatewayTransactionID  *string         `json:"gateway_transaction_id,omitempty" gorm:"type:varchar(64)"`
	RawGatewayPayload     datatypes.JSON  `json:"-"`
	FailureReason         *string         `json:"failure_reason,omitempty" gorm:"type:varchar(255)"`
	ActiveKey             *string         `json:"-" gorm:"type:varchar(140);uniqueIndex"`
	ExpiresAt             time.Time       `json:"expires_at" gorm:"not null"`
	PaidAt                *time.Time      `json:"paid_at,omitempty"`
	RefundedAt            *time.Time      `json:"refunded_at,omitempty"`
	EnrollmentActivatedAt *time.Time      `json:"enrollment_activated_at,omitempty"`
	RefundClaimedAt       *time.Time      `json:"-"`
	CreatedAt             time.Time       `json:"created_at" gorm:"not null;index:idx_payments_status_created_at,priority:2"`
	UpdatedAt             time.Time       `json:"updated_at" gorm:"not null"`
}

// Settlement is a verified gateway outcome as seen by the payment state machine.
type Settlement struct {
	Gateway              string
	GatewayTransactionID string
	AmountMinorUnits     int64
	ResultCode           string
	Message              string
	Success              bool
	Pending              bool
	Payload              []byte
}

// ActiveKeyFor is the value of Payment.ActiveKey while a payment blocks new
// purchases of the same course by the same payer.
func ActiveKeyFor(payerID, productID string) string {
	return payerID + ":" + productID
}

// FinalAmountOf returns amount - discount, rejecting negative inputs and
// discounts larger than the amount.
func FinalAmountOf(amount, discount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() || discount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative amount", ErrInvalidAmount)
	}
	if discount.GreaterThan(amount) {
		return decimal.Zero, fmt.Errorf("%w: discount %s exceeds amount %s", ErrInvalidAmount, discount, amount)
	}
	return amount.Sub(discount), nil
}

// FinalAmountMinorUnits is the amount a gateway must report back.
func (p *Payment) FinalAmountMinorUnits() (int64, error) {
	return utils.ToMinorUnits(p.FinalAmount, p.Currency)
}

// IsExpired reports whether the payment window has passed.
func (p *Payment) IsExpired(now time.Time) bool {
	return p.Status == PaymentStatusPending && !now.Before(p.ExpiresAt)
}

// Settle applies a verified gateway outcome to a pending payment. It never
// touches persistence; the ledger decides whether the mutation wins.
//
// ErrAmountMismatch is returned after the payment has been moved to failed.
// ErrGatewayMismatch and ErrResultPending leave the payment untouched.
func (p *Payment) Settle(s Settlement, now time.Time) error {
	if p.Status != PaymentStatusPending {
		return fmt.Errorf("%w: payment is %s", ErrInvalidTransition, p.Status)
	}
	if s.Gateway != p.GatewayName {
		return fmt.Errorf("%w: %s reported for %s payment", ErrGatewayMismatch, s.Gateway, p.GatewayName)
	}
	if s.Pending {
		return ErrResultPending
	}

	expected, err := p.FinalAmountMinorUnits()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	if s.GatewayTransactionID != "" {
		gatewayTxnID := s.GatewayTransactionID
		p.GatewayTransactionID = &gatewayTxnID
	}
	if len(s.Payload) > 0 {
		p.RawGatewayPayload = datatypes.JSON(s.Payload)
	}

	if s.AmountMinorUnits != expected {
		p.fail(fmt.Sprintf("amount mismatch: expected %d, gateway reported %d", expected, s.AmountMinorUnits))
		return fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, expected, s.AmountMinorUnits)
	}

	if s.Success {
		p.Status = PaymentStatusCompleted
		p.PaidAt = &now
		p.FailureReason = nil
		return nil
	}

	reason := "gateway result " + s.ResultCode
	if s.Message != "" {
		reason += ": " + s.Message
	}
	p.fail(reason)
	return nil
}

// Expire fails a pending payment whose window has elapsed.
func (p *Payment) Expire(reason string) error {
	if !CanTransition(p.Status, PaymentStatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, PaymentStatusFailed)
	}
	p.fail(reason)
	return nil
}

func (p *Payment) Cancel(reason string) error {
	if !CanTransition(p.Status, PaymentStatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, PaymentStatusCancelled)
	}
	p.Status = PaymentStatusCancelled
	p.FailureReason = &reason
	p.ActiveKey = nil
	return nil
}

func (p *Payment) MarkRefunded(reason string, now time.Time) error {
	if !CanTransition(p.Status, PaymentStatusRefunded) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, PaymentStatusRefunded)
	}
	p.Status = PaymentStatusRefunded
	p.RefundedAt = &now
	if reason != "" {
		p.FailureReason = &reason
	}
	p.ActiveKey = nil
	return nil
}

func (p *Payment) fail(reason string) {
	if len(reason) > 255 {
		reason = reason[:255]
	}
	p.Status = PaymentStatusFailed
	p.FailureReason = &reason
	p.ActiveKey = nil
}
