package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Enrollment grants a student access to a course. It is owned by the course
// service; this service only creates it for settled payments.
type Enrollment struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	PayerID       string    `json:"payer_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_enrollments_payer_product"`
	ProductID     string    `json:"product_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_enrollments_payer_product"`
	TransactionID string    `json:"transaction_id" gorm:"type:varchar(64);not null"`
	CreatedAt     time.Time `json:"created_at" gorm:"not null"`
}

// CoursePrice is the read model of a course's list and discounted price.
type CoursePrice struct {
	ProductID     string              `json:"product_id" gorm:"type:varchar(64);primaryKey"`
	Title         string              `json:"title" gorm:"type:varchar(255);not null"`
	Price         decimal.Decimal     `json:"price" gorm:"type:decimal(12,2);not null"`
	DiscountPrice decimal.NullDecimal `json:"discount_price" gorm:"type:decimal(12,2)"`
	Published     bool                `json:"published" gorm:"not null;default:true"`
	UpdatedAt     time.Time           `json:"updated_at"`
}
