package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/course-settlement/gateways"
	"github.com/yeremiapane/course-settlement/models"
	"github.com/yeremiapane/course-settlement/services"
	"github.com/yeremiapane/course-settlement/utils"
)

var ErrInternal = errors.New("internal server error")

// respondServiceError maps settlement errors to HTTP answers. Anything not
// listed is logged and hidden behind a generic message.
func respondServiceError(c *gin.Context, err error) {
	var inProgress *services.InProgressError
	switch {
	case errors.As(err, &inProgress):
		utils.RespondErrorWithData(c, http.StatusConflict, services.ErrPaymentInProgress, gin.H{
			"transaction_id": inProgress.Payment.TransactionID,
			"gateway":        inProgress.Payment.GatewayName,
			"expires_at":     inProgress.Payment.ExpiresAt,
		})
	case errors.Is(err, services.ErrAlreadyEnrolled):
		utils.RespondError(c, http.StatusConflict, services.ErrAlreadyEnrolled)
	case errors.Is(err, gateways.ErrUnknownGateway):
		utils.RespondError(c, http.StatusBadRequest, gateways.ErrUnknownGateway)
	case errors.Is(err, services.ErrProductNotFound), errors.Is(err, services.ErrPaymentNotFound):
		utils.RespondError(c, http.StatusNotFound, err)
	case errors.Is(err, services.ErrNotRefundable), errors.Is(err, services.ErrRefundInProgress), errors.Is(err, models.ErrInvalidTransition):
		utils.RespondError(c, http.StatusConflict, err)
	case errors.Is(err, models.ErrInvalidAmount):
		utils.RespondError(c, http.StatusUnprocessableEntity, models.ErrInvalidAmount)
	case errors.Is(err, gateways.ErrGatewayUnreachable):
		utils.RespondErrorWithData(c, http.StatusServiceUnavailable, gateways.ErrGatewayUnreachable, gin.H{"retryable": true})
	case errors.Is(err, gateways.ErrGatewayRejected):
		utils.RespondError(c, http.StatusBadGateway, gateways.ErrGatewayRejected)
	default:
		utils.ErrorLogger.WithField("path", c.Request.URL.Path).WithError(err).Error("Unhandled settlement error")
		utils.RespondError(c, http.StatusInternalServerError, ErrInternal)
	}
}
