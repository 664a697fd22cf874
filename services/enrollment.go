package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/course-settlement/models"
	"github.com/yeremiapane/course-settlement/utils"
	"gorm.io/gorm"
)

// EnrollmentActivator unlocks a course for a completed payment. Calls may
// repeat for the same payment, implementations must tolerate that.
type EnrollmentActivator interface {
	Activate(ctx context.Context, payment *models.Payment) error
}

// EnrollmentDirectory answers whether a payer already owns a course.
type EnrollmentDirectory interface {
	IsEnrolled(ctx context.Context, payerID, productID string) (bool, error)
}

// GormEnrollmentStore writes enrollments into the shared enrollments table.
type GormEnrollmentStore struct {
	db *gorm.DB
}

func NewGormEnrollmentStore(db *gorm.DB) *GormEnrollmentStore {
	return &GormEnrollmentStore{db: db}
}

func (s *GormEnrollmentStore) IsEnrolled(ctx context.Context, payerID, productID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("payer_id = ? AND product_id = ?", payerID, productID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Activate creates the enrollment unless one already exists.
func (s *GormEnrollmentStore) Activate(ctx context.Context, payment *models.Payment) error {
	enrollment := models.Enrollment{
		PayerID:       payment.PayerID,
		ProductID:     payment.ProductID,
		TransactionID: payment.TransactionID,
	}
	err := s.db.WithContext(ctx).
		Where(models.Enrollment{PayerID: payment.PayerID, ProductID: payment.ProductID}).
		FirstOrCreate(&enrollment).Error
	if err != nil {
		return fmt.Errorf("failed to create enrollment: %w", err)
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"transaction_id": payment.TransactionID,
		"payer_id":       payment.PayerID,
		"product_id":     payment.ProductID,
	}).Info("Enrollment activated")
	return nil
}

// ActivatorChain runs every activator in order and reports all failures.
type ActivatorChain []EnrollmentActivator

func (c ActivatorChain) Activate(ctx context.Context, payment *models.Payment) error {
	var errs []error
	for _, a := range c {
		if err := a.Activate(ctx, payment); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
