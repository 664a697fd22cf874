package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/course-settlement/services"
	"github.com/yeremiapane/course-settlement/utils"
)

type AdminController struct {
	service *services.SettlementService
	monitor *services.PaymentMonitor
}

func NewAdminController(service *services.SettlementService, monitor *services.PaymentMonitor) *AdminController {
	return &AdminController{service: service, monitor: monitor}
}

type refundRequest struct {
	Reason string `json:"reason" binding:"max=200"`
}

func (ac *AdminController) RefundPayment(c *gin.Context) {
	var body refundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			utils.RespondError(c, http.StatusBadRequest, err)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "refunded by admin"
	}

	payment, err := ac.service.Refund(c.Request.Context(), c.Param("transaction_id"), body.Reason)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Payment refunded", payment)
}

// Reconcile runs one sweep now, under the same lease as the scheduler.
func (ac *AdminController) Reconcile(c *gin.Context) {
	report, err := ac.monitor.RunOnce(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if report == nil {
		utils.RespondError(c, http.StatusConflict, errors.New("a reconciliation sweep is already running"))
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Reconciliation finished", report)
}

func (ac *AdminController) Metrics(c *gin.Context) {
	utils.RespondJSON(c, http.StatusOK, "Payment metrics", ac.service.Metrics().Snapshot())
}
