package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/course-settlement/controllers"
	"github.com/yeremiapane/course-settlement/middlewares"
)

type Options struct {
	Payments    *controllers.PaymentController
	Webhooks    *controllers.WebhookController
	Admin       *controllers.AdminController
	JWTSecret   []byte
	FrontendURL string
	// PurchaseLimiter throttles purchase attempts per client IP.
	PurchaseLimiter *middlewares.RateLimiter
}

func SetupRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.LoggerMiddleware())
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.CORSMiddlewares(opts.FrontendURL))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	// Gateways call these without credentials; the signature is the auth.
	webhooks := r.Group("/webhooks/:gateway")
	{
		webhooks.GET("/ipn", opts.Webhooks.HandleIPN)
		webhooks.POST("/ipn", opts.Webhooks.HandleIPN)
		webhooks.GET("/return", opts.Webhooks.HandleReturn)
	}

	payments := r.Group("/payments")
	payments.Use(middlewares.NoStore(), middlewares.AuthMiddleware(opts.JWTSecret))
	{
		create := []gin.HandlerFunc{opts.Payments.CreatePayment}
		if opts.PurchaseLimiter != nil {
			create = append([]gin.HandlerFunc{opts.PurchaseLimiter.RateLimit()}, create...)
		}
		payments.POST("", create...)
		payments.GET("/:transaction_id", opts.Payments.GetPayment)
		payments.POST("/:transaction_id/cancel", opts.Payments.CancelPayment)
	}

	admin := r.Group("/admin/payments")
	admin.Use(middlewares.NoStore(), middlewares.AuthMiddleware(opts.JWTSecret), middlewares.RoleCheck("admin"))
	{
		admin.POST("/:transaction_id/refund", opts.Admin.RefundPayment)
		admin.POST("/reconcile", opts.Admin.Reconcile)
		admin.GET("/metrics", opts.Admin.Metrics)
	}

	return r
}
