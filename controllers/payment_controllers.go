package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/course-settlement/middlewares"
	"github.com/yeremiapane/course-settlement/services"
	"github.com/yeremiapane/course-settlement/utils"
)

type PaymentController struct {
	service *services.SettlementService
}

func NewPaymentController(service *services.SettlementService) *PaymentController {
	return &PaymentController{service: service}
}

type createPaymentRequest struct {
	CourseID string `json:"course_id" binding:"required,max=64"`
	Gateway  string `json:"gateway" binding:"required"`
	Locale   string `json:"locale" binding:"omitempty,oneof=vn en"`
	BankCode string `json:"bank_code" binding:"omitempty,alphanum,max=20"`
}

// CreatePayment starts or resumes the purchase of a course.
func (pc *PaymentController) CreatePayment(c *gin.Context) {
	var body createPaymentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	result, err := pc.service.InitiatePurchase(c.Request.Context(), services.PurchaseRequest{
		PayerID:   middlewares.CurrentUserID(c),
		ProductID: body.CourseID,
		Gateway:   body.Gateway,
		ClientIP:  c.ClientIP(),
		Locale:    body.Locale,
		BankCode:  body.BankCode,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	status, message := http.StatusCreated, "Payment initiated"
	if result.Resumed {
		status, message = http.StatusOK, "Payment resumed"
	}
	utils.RespondJSON(c, status, message, gin.H{
		"transaction_id": result.Payment.TransactionID,
		"redirect_url":   result.Checkout.RedirectURL,
		"expires_at":     result.Checkout.ExpiresAt,
		"payment":        result.Payment,
	})
}

// GetPayment lets the payer poll the real status after the gateway redirect.
func (pc *PaymentController) GetPayment(c *gin.Context) {
	payment, err := pc.service.GetPayment(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	role, _ := c.Get(middlewares.ContextRole)
	if payment.PayerID != middlewares.CurrentUserID(c) && role != "admin" {
		respondServiceError(c, services.ErrPaymentNotFound)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Payment detail", payment)
}

func (pc *PaymentController) CancelPayment(c *gin.Context) {
	payment, err := pc.service.Cancel(c.Request.Context(), c.Param("transaction_id"), middlewares.CurrentUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Payment cancelled", payment)
}
