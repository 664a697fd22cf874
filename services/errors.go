package services

import (
	"errors"
	"fmt"

	"github.com/yeremiapane/course-settlement/models"
)

var (
	ErrAlreadyEnrolled   = errors.New("payer is already enrolled in this course")
	ErrPaymentInProgress = errors.New("a payment for this course is already in progress")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrProductNotFound   = errors.New("course not found")
	ErrNotRefundable     = errors.New("payment is not refundable")
	ErrRefundInProgress  = errors.New("a refund for this payment is already in progress")
)

// InProgressError carries the pending payment that blocks a new one. It
// matches both ErrPaymentInProgress and ErrAlreadyEnrolled: the pair already
// holds an active payment either way.
type InProgressError struct {
	Payment *models.Payment
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("%v: %s", ErrPaymentInProgress, e.Payment.TransactionID)
}

func (e *InProgressError) Unwrap() error {
	return ErrPaymentInProgress
}

func (e *InProgressError) Is(target error) bool {
	return target == ErrAlreadyEnrolled
}
