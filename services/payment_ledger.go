package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yeremiapane/course-settlement/gateways"
	"github.com/yeremiapane/course-settlement/models"
	"gorm.io/gorm"
)

// refundClaimTTL is how long a refund claim blocks other refund attempts.
// A claim left behind by a crashed process can be taken over afterwards.
const refundClaimTTL = 10 * time.Minute

type OpenRequest struct {
	PayerID        string
	ProductID      string
	GatewayName    string
	Currency       string
	Amount         decimal.Decimal
	DiscountAmount decimal.Decimal
	Window         time.Duration
}

// SweepCursor is the position of the last row a sweep page returned.
type SweepCursor struct {
	At            time.Time
	TransactionID string
}

// PaymentLedger is the only writer of payment status.
type PaymentLedger interface {
	// Open creates a pending payment. A blocking pending payment is reported
	// as *InProgressError, even when its window has passed.
	Open(ctx context.Context, req OpenRequest) (*models.Payment, error)
	// TryTransition applies a verified gateway result. alreadySettled is true
	// when the payment was terminal or another caller won the transition.
	TryTransition(ctx context.Context, transactionID string, result *gateways.Result) (payment *models.Payment, alreadySettled bool, err error)
	Expire(ctx context.Context, transactionID, reason string) (*models.Payment, bool, error)
	Cancel(ctx context.Context, transactionID, reason string) (*models.Payment, error)
	// ClaimRefund reserves a completed payment for one refund attempt.
	// claimed is false with a nil error when the payment is already refunded.
	ClaimRefund(ctx context.Context, transactionID string) (payment *models.Payment, claimed bool, err error)
	ReleaseRefund(ctx context.Context, transactionID string) error
	MarkRefunded(ctx context.Context, transactionID, reason string) (*models.Payment, bool, error)
	MarkEnrollmentActivated(ctx context.Context, transactionID string) error
	FindByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error)
	// The sweep queries page with after, which is nil for the first page.
	FindPendingOlderThan(ctx context.Context, age time.Duration, after *SweepCursor, limit int) ([]models.Payment, error)
	FindAwaitingEnrollment(ctx context.Context, paidBefore time.Time, after *SweepCursor, limit int) ([]models.Payment, error)
}

// GormPaymentLedger stores payments with gorm. Transitions are a
// compare-and-swap on status, so concurrent callers for the same
// transaction id cannot both win.
type GormPaymentLedger struct {
	db          *gorm.DB
	enrollments EnrollmentDirectory
	ids         *snowflake.Node
	now         func() time.Time
}

func NewGormPaymentLedger(db *gorm.DB, enrollments EnrollmentDirectory, ids *snowflake.Node) *GormPaymentLedger {
	return &GormPaymentLedger{
		db:          db,
		enrollments: enrollments,
		ids:         ids,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the ledger clock, used by tests and the CLI.
func (l *GormPaymentLedger) WithClock(now func() time.Time) *GormPaymentLedger {
	l.now = now
	return l
}

func (l *GormPaymentLedger) Open(ctx context.Context, req OpenRequest) (*models.Payment, error) {
	final, err := models.FinalAmountOf(req.Amount, req.DiscountAmount)
	if err != nil {
		return nil, err
	}

	enrolled, err := l.enrollments.IsEnrolled(ctx, req.PayerID, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to check enrollment: %w", err)
	}
	if enrolled {
		return nil, ErrAlreadyEnrolled
	}

	key := models.ActiveKeyFor(req.PayerID, req.ProductID)
	if err := l.checkActive(ctx, key); err != nil {
		return nil, err
	}

	now := l.now()
	payment := &models.Payment{
		ID:             uuid.NewString(),
		TransactionID:  l.newTransactionID(),
		PayerID:        req.PayerID,
		ProductID:      req.ProductID,
		Amount:         req.Amount,
		DiscountAmount: req.DiscountAmount,
		FinalAmount:    final,
		Currency:       strings.ToUpper(req.Currency),
		Status:         models.PaymentStatusPending,
		GatewayName:    req.GatewayName,
		ActiveKey:      &key,
		ExpiresAt:      now.Add(req.Window),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := l.db.WithContext(ctx).Create(payment).Error; err != nil {
		// Lost a race with a concurrent Open for the same pair.
		if activeErr := l.checkActive(ctx, key); activeErr != nil {
			return nil, activeErr
		}
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	return payment, nil
}

// checkActive reports the payment currently holding key. An overdue pending
// payment still blocks; only a verified callback or the sweep may fail it.
func (l *GormPaymentLedger) checkActive(ctx context.Context, key string) error {
	var existing models.Payment
	err := l.db.WithContext(ctx).Where("active_key = ?", key).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find active payment: %w", err)
	}

	switch existing.Status {
	case models.PaymentStatusCompleted:
		return ErrAlreadyEnrolled
	case models.PaymentStatusPending:
		return &InProgressError{Payment: &existing}
	}
	return nil
}

func (l *GormPaymentLedger) TryTransition(ctx context.Context, transactionID string, result *gateways.Result) (*models.Payment, bool, error) {
	payment, err := l.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	if payment.Status.IsTerminal() {
		return payment, true, nil
	}

	settleErr := payment.Settle(result.Settlement(), l.now())
	if settleErr != nil && !errors.Is(settleErr, models.ErrAmountMismatch) {
		return payment, false, settleErr
	}

	return l.commit(ctx, payment, models.PaymentStatusPending, settleErr)
}

func (l *GormPaymentLedger) Expire(ctx context.Context, transactionID, reason string) (*models.Payment, bool, error) {
	payment, err := l.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	if payment.Status.IsTerminal() {
		return payment, true, nil
	}
	if err := payment.Expire(reason); err != nil {
		return nil, false, err
	}
	return l.commit(ctx, payment, models.PaymentStatusPending, nil)
}

func (l *GormPaymentLedger) Cancel(ctx context.Context, transactionID, reason string) (*models.Payment, error) {
	payment, err := l.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if payment.Status == models.PaymentStatusCancelled {
		return payment, nil
	}
	if err := payment.Cancel(reason); err != nil {
		return payment, err
	}

	payment, already, err := l.commit(ctx, payment, models.PaymentStatusPending, nil)
	if err != nil {
		return nil, err
	}
	if already && payment.Status != models.PaymentStatusCancelled {
		return payment, fmt.Errorf("%w: payment is %s", models.ErrInvalidTransition, payment.Status)
	}
	return payment, nil
}

func (l *GormPaymentLedger) ClaimRefund(ctx context.Context, transactionID string) (*models.Payment, bool, error) {
	now := l.now()
	result := l.db.WithContext(ctx).Model(&models.Payment{}).
		Where("transaction_id = ? AND status = ? AND (refund_claimed_at IS NULL OR refund_claimed_at <= ?)",
			transactionID, models.PaymentStatusCompleted, now.Add(-refundClaimTTL)).
		Updates(map[string]interface{}{
			"refund_claimed_at": now,
			"updated_at":        now,
		})
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to claim refund for %s: %w", transactionID, result.Error)
	}

	payment, err := l.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	if result.RowsAffected == 1 {
		return payment, true, nil
	}

	switch payment.Status {
	case models.PaymentStatusRefunded:
		return payment, false, nil
	case models.PaymentStatusCompleted:
		return payment, false, fmt.Errorf("%w: %s", ErrRefundInProgress, transactionID)
	}
	return payment, false, fmt.Errorf("%w: payment is %s", ErrNotRefundable, payment.Status)
}

// ReleaseRefund drops a refund claim after the gateway refused the refund.
func (l *GormPaymentLedger) ReleaseRefund(ctx context.Context, transactionID string) error {
	err := l.db.WithContext(ctx).Model(&models.Payment{}).
		Where("transaction_id = ? AND status = ?", transactionID, models.PaymentStatusCompleted).
		Updates(map[string]interface{}{
			"refund_claimed_at": nil,
			"updated_at":        l.now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to release refund claim for %s: %w", transactionID, err)
	}
	return nil
}

func (l *GormPaymentLedger) MarkRefunded(ctx context.Context, transactionID, reason string) (*models.Payment, bool, error) {
	payment, err := l.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	if payment.Status == models.PaymentStatusRefunded {
		return payment, true, nil
	}
	if err := payment.MarkRefunded(reason, l.now()); err != nil {
		return payment, false, err
	}
	return l.commit(ctx, payment, models.PaymentStatusCompleted, nil)
}

func (l *GormPaymentLedger) MarkEnrollmentActivated(ctx context.Context, transactionID string) error {
	err := l.db.WithContext(ctx).Model(&models.Payment{}).
		Where("transaction_id = ? AND enrollment_activated_at IS NULL", transactionID).
		Updates(map[string]interface{}{
			"enrollment_activated_at": l.now(),
			"updated_at":              l.now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark enrollment activated: %w", err)
	}
	return nil
}

func (l *GormPaymentLedger) FindByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	var payment models.Payment
	err := l.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return &payment, nil
}

// FindPendingOlderThan walks idx_payments_status_created_at, oldest first.
func (l *GormPaymentLedger) FindPendingOlderThan(ctx context.Context, age time.Duration, after *SweepCursor, limit int) ([]models.Payment, error) {
	payments := make([]models.Payment, 0)
	query := l.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", models.PaymentStatusPending, l.now().Add(-age))
	if after != nil {
		query = query.Where("(created_at > ? OR (created_at = ? AND transaction_id > ?))", after.At, after.At, after.TransactionID)
	}
	err := query.
		Order("created_at ASC, transaction_id ASC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find pending payments: %w", err)
	}
	return payments, nil
}

func (l *GormPaymentLedger) FindAwaitingEnrollment(ctx context.Context, paidBefore time.Time, after *SweepCursor, limit int) ([]models.Payment, error) {
	payments := make([]models.Payment, 0)
	query := l.db.WithContext(ctx).
		Where("status = ? AND enrollment_activated_at IS NULL AND paid_at <= ?", models.PaymentStatusCompleted, paidBefore)
	if after != nil {
		query = query.Where("(paid_at > ? OR (paid_at = ? AND transaction_id > ?))", after.At, after.At, after.TransactionID)
	}
	err := query.
		Order("paid_at ASC, transaction_id ASC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find payments awaiting enrollment: %w", err)
	}
	return payments, nil
}

// commit writes the mutated payment only if the stored status is still from.
// A caller that loses the swap gets the stored payment and alreadySettled.
func (l *GormPaymentLedger) commit(ctx context.Context, payment *models.Payment, from models.PaymentStatus, settleErr error) (*models.Payment, bool, error) {
	payment.UpdatedAt = l.now()

	result := l.db.WithContext(ctx).Model(&models.Payment{}).
		Where("transaction_id = ? AND status = ?", payment.TransactionID, from).
		Updates(map[string]interface{}{
			"status":                 payment.Status,
			"gateway_transaction_id": payment.GatewayTransactionID,
			"raw_gateway_payload":    payment.RawGatewayPayload,
			"failure_reason":         payment.FailureReason,
			"active_key":             payment.ActiveKey,
			"paid_at":                payment.PaidAt,
			"refunded_at":            payment.RefundedAt,
			"updated_at":             payment.UpdatedAt,
		})
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to update payment %s: %w", payment.TransactionID, result.Error)
	}

	if result.RowsAffected == 0 {
		current, err := l.FindByTransactionID(ctx, payment.TransactionID)
		if err != nil {
			return nil, false, err
		}
		return current, true, nil
	}
	return payment, false, settleErr
}

// newTransactionID returns a short, time-ordered, unique business reference.
func (l *GormPaymentLedger) newTransactionID() string {
	return "TXN-" + strings.ToUpper(l.ids.Generate().Base36())
}
