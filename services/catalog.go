package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/yeremiapane/course-settlement/models"
	"gorm.io/gorm"
)

type PriceQuote struct {
	ProductID string
	Title     string
	Amount    decimal.Decimal
	Discount  decimal.Decimal
}

type PriceQuoter interface {
	Quote(ctx context.Context, productID string) (*PriceQuote, error)
}

// GormPriceQuoter reads prices from the course_prices read model.
type GormPriceQuoter struct {
	db *gorm.DB
}

func NewGormPriceQuoter(db *gorm.DB) *GormPriceQuoter {
	return &GormPriceQuoter{db: db}
}

// Quote prices a course. A discount price below the list price becomes the
// discount amount; any other discount price is ignored.
func (q *GormPriceQuoter) Quote(ctx context.Context, productID string) (*PriceQuote, error) {
	var course models.CoursePrice
	err := q.db.WithContext(ctx).
		Where("product_id = ? AND published = ?", productID, true).
		First(&course).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load course price: %w", err)
	}

	quote := &PriceQuote{
		ProductID: course.ProductID,
		Title:     course.Title,
		Amount:    course.Price,
		Discount:  decimal.Zero,
	}
	if course.DiscountPrice.Valid &&
		!course.DiscountPrice.Decimal.IsNegative() &&
		course.DiscountPrice.Decimal.LessThan(course.Price) {
		quote.Discount = course.Price.Sub(course.DiscountPrice.Decimal)
	}
	return quote, nil
}
