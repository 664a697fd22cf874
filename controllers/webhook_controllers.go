package controllers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/course-settlement/gateways"
	"github.com/yeremiapane/course-settlement/services"
	"github.com/yeremiapane/course-settlement/utils"
)

// WebhookController receives unauthenticated gateway traffic. Responses
// follow each gateway's ack protocol and never carry internal errors.
type WebhookController struct {
	service     *services.SettlementService
	frontendURL string
}

func NewWebhookController(service *services.SettlementService, frontendURL string) *WebhookController {
	return &WebhookController{
		service:     service,
		frontendURL: strings.TrimRight(frontendURL, "/"),
	}
}

// HandleIPN answers a server-to-server notification with the exact ack.
func (wc *WebhookController) HandleIPN(c *gin.Context) {
	ack, _, err := wc.service.HandleCallback(c.Request.Context(), c.Param("gateway"), c.Request)
	if err != nil {
		utils.RespondError(c, http.StatusNotFound, errors.New("unknown gateway"))
		return
	}
	writeAck(c, ack)
}

// HandleReturn settles from the browser redirect like an IPN would, then
// sends the payer to the frontend. The status shown there is advisory.
func (wc *WebhookController) HandleReturn(c *gin.Context) {
	_, outcome, err := wc.service.HandleCallback(c.Request.Context(), c.Param("gateway"), c.Request)
	if err != nil {
		utils.RespondError(c, http.StatusNotFound, errors.New("unknown gateway"))
		return
	}

	query := url.Values{}
	status := "invalid"
	if outcome.Result != nil {
		query.Set("transaction_id", outcome.Result.TransactionID)
		status = "pending"
	}
	if outcome.Payment != nil {
		status = string(outcome.Payment.Status)
	}
	query.Set("status", status)

	c.Redirect(http.StatusFound, wc.frontendURL+"/enrollment/result?"+query.Encode())
}

func writeAck(c *gin.Context, ack gateways.Ack) {
	if ack.Body == nil {
		c.Status(ack.Status)
		return
	}
	c.JSON(ack.Status, ack.Body)
}
