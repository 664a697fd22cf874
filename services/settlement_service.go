package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/course-settlement/gateways"
	"github.com/yeremiapane/course-settlement/models"
	"github.com/yeremiapane/course-settlement/utils"
)

const enrollmentGrace = time.Minute

type SettlementConfig struct {
	Currency      string
	PaymentWindow time.Duration
	// QueryGateway asks the gateway about overdue payments before failing them.
	QueryGateway bool
	// HardExpiry bounds how long an unreachable gateway can defer a failure.
	HardExpiry time.Duration
	BatchSize  int
}

type PurchaseRequest struct {
	PayerID   string
	ProductID string
	Gateway   string
	ClientIP  string
	Locale    string
	BankCode  string
}

type PurchaseResult struct {
	Payment  *models.Payment
	Checkout *gateways.Checkout
	// Resumed is true when an existing pending payment was handed back.
	Resumed bool
}

// CallbackOutcome describes what a gateway callback did. Err holds the
// verification or business error that was acknowledged to the gateway.
type CallbackOutcome struct {
	Result         *gateways.Result
	Payment        *models.Payment
	AlreadySettled bool
	Err            error
}

type ReconcileReport struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Deferred  int `json:"deferred"`
	Enrolled  int `json:"enrolled"`
	Errors    int `json:"errors"`
}

// SettlementService drives payments from purchase intent to enrollment.
type SettlementService struct {
	ledger    PaymentLedger
	registry  *gateways.Registry
	prices    PriceQuoter
	activator EnrollmentActivator
	metrics   *PaymentMetrics
	config    SettlementConfig
	now       func() time.Time
}

func NewSettlementService(
	ledger PaymentLedger,
	registry *gateways.Registry,
	prices PriceQuoter,
	activator EnrollmentActivator,
	metrics *PaymentMetrics,
	config SettlementConfig,
) *SettlementService {
	if config.PaymentWindow <= 0 {
		config.PaymentWindow = 15 * time.Minute
	}
	if config.HardExpiry <= 0 {
		config.HardExpiry = 24 * time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Currency == "" {
		config.Currency = "VND"
	}
	if metrics == nil {
		metrics = NewPaymentMetrics()
	}
	return &SettlementService{
		ledger:    ledger,
		registry:  registry,
		prices:    prices,
		activator: activator,
		metrics:   metrics,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the service clock.
func (s *SettlementService) WithClock(now func() time.Time) *SettlementService {
	s.now = now
	return s
}

func (s *SettlementService) Metrics() *PaymentMetrics {
	return s.metrics
}

// InitiatePurchase opens a payment and returns the gateway checkout. A retry
// for a course that already has a pending payment on the same gateway gets
// that payment back. When the checkout cannot be built the pending payment
// is kept for a later retry or the sweep.
func (s *SettlementService) InitiatePurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	adapter, err := s.registry.Get(req.Gateway)
	if err != nil {
		return nil, err
	}

	quote, err := s.prices.Quote(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !quote.Amount.Sub(quote.Discount).IsPositive() {
		return nil, fmt.Errorf("%w: course %s has nothing to pay", models.ErrInvalidAmount, req.ProductID)
	}

	openReq := OpenRequest{
		PayerID:        req.PayerID,
		ProductID:      req.ProductID,
		GatewayName:    adapter.Name(),
		Currency:       s.config.Currency,
		Amount:         quote.Amount,
		DiscountAmount: quote.Discount,
		Window:         s.config.PaymentWindow,
	}

	resumed := false
	payment, err := s.ledger.Open(ctx, openReq)
	var inProgress *InProgressError
	if errors.As(err, &inProgress) && inProgress.Payment.IsExpired(s.now()) {
		// The overdue attempt may have been paid. Settle it the way the sweep
		// would before a new payment can take its place.
		s.reconcileOne(ctx, inProgress.Payment, newSweepRun())
		payment, err = s.ledger.Open(ctx, openReq)
	}
	if err != nil {
		if !errors.As(err, &inProgress) ||
			inProgress.Payment.GatewayName != adapter.Name() ||
			inProgress.Payment.IsExpired(s.now()) {
			return nil, err
		}
		payment = inProgress.Payment
		resumed = true
	}

	checkout, err := adapter.BuildCheckout(ctx, payment, gateways.CheckoutOptions{
		ClientIP: req.ClientIP,
		Locale:   req.Locale,
		BankCode: req.BankCode,
	})
	if err != nil {
		s.metrics.gatewayErrors.Add(1)
		utils.ErrorLogger.WithFields(logrus.Fields{
			"gateway":        adapter.Name(),
			"transaction_id": payment.TransactionID,
		}).WithError(err).Error("Failed to build checkout")
		return nil, fmt.Errorf("failed to build checkout for %s: %w", payment.TransactionID, err)
	}

	if resumed {
		s.metrics.resumed.Add(1)
	} else {
		s.metrics.initiated.Add(1)
	}
	utils.InfoLogger.WithFields(logrus.Fields{
		"gateway":        adapter.Name(),
		"transaction_id": payment.TransactionID,
		"payer_id":       payment.PayerID,
		"product_id":     payment.ProductID,
		"resumed":        resumed,
	}).Info("Purchase initiated")

	return &PurchaseResult{Payment: payment, Checkout: checkout, Resumed: resumed}, nil
}

// HandleCallback verifies a gateway callback and settles the payment. The
// returned Ack is what the gateway must receive. The error is non-nil only
// when gatewayName is not registered.
func (s *SettlementService) HandleCallback(ctx context.Context, gatewayName string, r *http.Request) (gateways.Ack, *CallbackOutcome, error) {
	adapter, err := s.registry.Get(gatewayName)
	if err != nil {
		return gateways.Ack{}, nil, err
	}

	log := utils.InfoLogger.WithFields(logrus.Fields{
		"gateway":   gatewayName,
		"remote_ip": remoteIP(r),
	})

	result, err := adapter.ParseCallback(r)
	if err != nil && !errors.Is(err, gateways.ErrUnknownResultCode) {
		s.metrics.rejectedCallbacks.Add(1)
		utils.ErrorLogger.WithFields(logrus.Fields{
			"gateway":      gatewayName,
			"remote_ip":    remoteIP(r),
			"fraud_signal": "invalid_callback",
		}).WithError(err).Warn("Rejected unverifiable gateway callback")
		return adapter.Ack(gateways.AckInvalidSignature), &CallbackOutcome{Err: err}, nil
	}
	if err != nil {
		utils.ErrorLogger.WithFields(logrus.Fields{
			"gateway":        gatewayName,
			"transaction_id": result.TransactionID,
			"result_code":    result.ResultCode,
		}).Warn("Unknown gateway result code, treating as failure")
	}

	outcome := &CallbackOutcome{Result: result}
	payment, alreadySettled, err := s.ledger.TryTransition(ctx, result.TransactionID, result)
	outcome.Payment = payment
	outcome.AlreadySettled = alreadySettled
	log = log.WithField("transaction_id", result.TransactionID)

	switch {
	case errors.Is(err, ErrPaymentNotFound):
		outcome.Err = err
		utils.ErrorLogger.WithFields(logrus.Fields{
			"gateway":        gatewayName,
			"transaction_id": result.TransactionID,
		}).Warn("Verified callback for unknown transaction")
		return adapter.Ack(gateways.AckReceived), outcome, nil

	case errors.Is(err, models.ErrAmountMismatch):
		outcome.Err = err
		s.metrics.amountMismatches.Add(1)
		s.metrics.failed.Add(1)
		utils.ErrorLogger.WithFields(logrus.Fields{
			"gateway":        gatewayName,
			"transaction_id": result.TransactionID,
			"reported":       result.FinalAmountMinorUnits,
			"fraud_signal":   "amount_mismatch",
		}).Warn("Gateway amount does not match payment, payment failed")
		return adapter.Ack(gateways.AckReceived), outcome, nil

	case errors.Is(err, models.ErrGatewayMismatch):
		outcome.Err = err
		utils.ErrorLogger.WithFields(logrus.Fields{
			"gateway":        gatewayName,
			"transaction_id": result.TransactionID,
			"fraud_signal":   "gateway_mismatch",
		}).Warn("Callback from a gateway that does not own the payment")
		return adapter.Ack(gateways.AckReceived), outcome, nil

	case errors.Is(err, models.ErrResultPending):
		outcome.Err = err
		log.Info("Gateway reports payment still pending")
		return adapter.Ack(gateways.AckReceived), outcome, nil

	case err != nil:
		outcome.Err = err
		utils.ErrorLogger.WithFields(logrus.Fields{
			"gateway":        gatewayName,
			"transaction_id": result.TransactionID,
		}).WithError(err).Error("Failed to settle payment, asking gateway to retry")
		return adapter.Ack(gateways.AckRetry), outcome, nil
	}

	if alreadySettled {
		s.metrics.duplicateCallbacks.Add(1)
		if result.Success && payment.Status != models.PaymentStatusCompleted && payment.Status != models.PaymentStatusRefunded {
			s.metrics.lateSuccesses.Add(1)
			utils.ErrorLogger.WithFields(logrus.Fields{
				"gateway":                gatewayName,
				"transaction_id":         result.TransactionID,
				"gateway_transaction_id": result.GatewayTransactionID,
				"status":                 payment.Status,
				"amount":                 result.FinalAmountMinorUnits,
				"fraud_signal":           "late_success",
			}).Warn("Gateway reports success for a payment that is no longer pending, refund required")
			return adapter.Ack(gateways.AckReceived), outcome, nil
		}
		log.WithField("status", payment.Status).Info("Duplicate callback for settled payment")
		return adapter.Ack(gateways.AckReceived), outcome, nil
	}

	s.recordSettled(payment)
	log.WithField("status", payment.Status).Info("Payment settled from callback")
	if payment.Status == models.PaymentStatusCompleted {
		s.activate(ctx, payment)
	}
	return adapter.Ack(gateways.AckReceived), outcome, nil
}

// sweepRun is the state of one reconciliation pass.
type sweepRun struct {
	report ReconcileReport
	// Gateways that could not be reached are not queried again in the same pass.
	unreachable map[string]bool
}

func newSweepRun() *sweepRun {
	return &sweepRun{unreachable: make(map[string]bool)}
}

// ReconcileExpired settles or fails payments left pending past the payment
// window, then retries enrollments that failed after a payment completed.
// Both passes page through every candidate, so rows that stay put (deferred
// payments, failing activations) cannot hide the ones behind them.
func (s *SettlementService) ReconcileExpired(ctx context.Context) (*ReconcileReport, error) {
	run := newSweepRun()

	var after *SweepCursor
	for {
		pending, err := s.ledger.FindPendingOlderThan(ctx, s.config.PaymentWindow, after, s.config.BatchSize)
		if err != nil {
			return &run.report, err
		}
		for i := range pending {
			if ctx.Err() != nil {
				return &run.report, ctx.Err()
			}
			run.report.Scanned++
			s.reconcileOne(ctx, &pending[i], run)
		}
		if len(pending) < s.config.BatchSize {
			break
		}
		last := pending[len(pending)-1]
		after = &SweepCursor{At: last.CreatedAt, TransactionID: last.TransactionID}
	}

	after = nil
	paidBefore := s.now().Add(-enrollmentGrace)
	for {
		awaiting, err := s.ledger.FindAwaitingEnrollment(ctx, paidBefore, after, s.config.BatchSize)
		if err != nil {
			return &run.report, err
		}
		for i := range awaiting {
			if ctx.Err() != nil {
				return &run.report, ctx.Err()
			}
			if s.activate(ctx, &awaiting[i]) {
				run.report.Enrolled++
			} else {
				run.report.Errors++
			}
		}
		if len(awaiting) < s.config.BatchSize {
			break
		}
		last := awaiting[len(awaiting)-1]
		if last.PaidAt == nil {
			break
		}
		after = &SweepCursor{At: *last.PaidAt, TransactionID: last.TransactionID}
	}

	s.metrics.sweeps.Add(1)
	s.metrics.lastSweepUnix.Store(s.now().Unix())
	return &run.report, nil
}

func (s *SettlementService) reconcileOne(ctx context.Context, payment *models.Payment, run *sweepRun) {
	log := utils.InfoLogger.WithFields(logrus.Fields{
		"gateway":        payment.GatewayName,
		"transaction_id": payment.TransactionID,
	})

	if s.config.QueryGateway {
		settled, deferred := s.settleFromQuery(ctx, payment, run)
		if settled {
			return
		}
		if deferred {
			if s.now().Sub(payment.CreatedAt) < s.config.HardExpiry {
				run.report.Deferred++
				return
			}
			log.Warn("Gateway unreachable past hard expiry, failing payment")
		}
	}

	expired, alreadySettled, err := s.ledger.Expire(ctx, payment.TransactionID, "payment window expired")
	if err != nil {
		run.report.Errors++
		utils.ErrorLogger.WithField("transaction_id", payment.TransactionID).WithError(err).Error("Failed to expire payment")
		return
	}
	if alreadySettled {
		return
	}
	run.report.Expired++
	s.metrics.expired.Add(1)
	log.WithField("status", expired.Status).Info("Expired pending payment")
}

// settleFromQuery asks the gateway for a definitive outcome. deferred is
// true when the gateway could not be asked.
func (s *SettlementService) settleFromQuery(ctx context.Context, payment *models.Payment, run *sweepRun) (settled, deferred bool) {
	report := &run.report
	if run.unreachable[payment.GatewayName] {
		return false, true
	}
	adapter, err := s.registry.Get(payment.GatewayName)
	if err != nil {
		utils.ErrorLogger.WithField("transaction_id", payment.TransactionID).WithError(err).Error("Payment has no registered gateway")
		return false, false
	}

	result, err := adapter.QueryStatus(ctx, payment)
	if errors.Is(err, gateways.ErrGatewayUnreachable) {
		run.unreachable[payment.GatewayName] = true
	}
	switch {
	case errors.Is(err, gateways.ErrGatewayUnreachable), errors.Is(err, gateways.ErrInvalidSignature):
		s.metrics.gatewayErrors.Add(1)
		utils.ErrorLogger.WithField("transaction_id", payment.TransactionID).WithError(err).Warn("Gateway status query failed")
		return false, true
	case errors.Is(err, gateways.ErrUnknownResultCode):
		// result reports a failure
	case err != nil:
		return false, false
	}
	if result == nil || result.Pending {
		return false, false
	}

	settledPayment, alreadySettled, err := s.ledger.TryTransition(ctx, payment.TransactionID, result)
	switch {
	case errors.Is(err, models.ErrAmountMismatch):
		report.Failed++
		s.metrics.amountMismatches.Add(1)
		s.metrics.failed.Add(1)
		utils.ErrorLogger.WithFields(logrus.Fields{
			"transaction_id": payment.TransactionID,
			"fraud_signal":   "amount_mismatch",
		}).Warn("Queried amount does not match payment, payment failed")
		return true, false
	case err != nil:
		report.Errors++
		utils.ErrorLogger.WithField("transaction_id", payment.TransactionID).WithError(err).Error("Failed to settle queried payment")
		return true, false
	case alreadySettled:
		return true, false
	}

	s.recordSettled(settledPayment)
	if settledPayment.Status == models.PaymentStatusCompleted {
		report.Completed++
		s.activate(ctx, settledPayment)
	} else {
		report.Failed++
	}
	return true, false
}

// Refund returns the full amount of a completed payment through its gateway.
// The payment is claimed first so concurrent commands reach the gateway once.
// Gateway failures release the claim and are returned as is, never retried here.
func (s *SettlementService) Refund(ctx context.Context, transactionID, reason string) (*models.Payment, error) {
	payment, claimed, err := s.ledger.ClaimRefund(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return payment, nil
	}

	if err := s.refundThroughGateway(ctx, payment); err != nil {
		if releaseErr := s.ledger.ReleaseRefund(ctx, transactionID); releaseErr != nil {
			utils.ErrorLogger.WithField("transaction_id", transactionID).WithError(releaseErr).Error("Failed to release refund claim")
		}
		return nil, err
	}

	refunded, _, err := s.ledger.MarkRefunded(ctx, transactionID, reason)
	if err != nil {
		return nil, err
	}
	s.metrics.refunded.Add(1)
	utils.InfoLogger.WithFields(logrus.Fields{
		"gateway":        payment.GatewayName,
		"transaction_id": transactionID,
	}).Info("Payment refunded")
	return refunded, nil
}

func (s *SettlementService) refundThroughGateway(ctx context.Context, payment *models.Payment) error {
	adapter, err := s.registry.Get(payment.GatewayName)
	if err != nil {
		return err
	}
	amount, err := payment.FinalAmountMinorUnits()
	if err != nil {
		return err
	}

	if err := adapter.Refund(ctx, payment, amount); err != nil {
		s.metrics.gatewayErrors.Add(1)
		utils.ErrorLogger.WithFields(logrus.Fields{
			"gateway":        payment.GatewayName,
			"transaction_id": payment.TransactionID,
		}).WithError(err).Error("Gateway refund failed")
		return err
	}
	return nil
}

// Cancel lets the payer abandon their own pending payment.
func (s *SettlementService) Cancel(ctx context.Context, transactionID, payerID string) (*models.Payment, error) {
	payment, err := s.ledger.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	// Someone else's payment looks the same as a missing one.
	if payment.PayerID != payerID {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, transactionID)
	}

	cancelled, err := s.ledger.Cancel(ctx, transactionID, "cancelled by payer")
	if err != nil {
		return nil, err
	}
	if payment.Status == models.PaymentStatusPending {
		s.metrics.cancelled.Add(1)
	}
	return cancelled, nil
}

// GetPayment returns the stored payment. Clients poll it after the gateway
// redirect instead of trusting the redirect itself.
func (s *SettlementService) GetPayment(ctx context.Context, transactionID string) (*models.Payment, error) {
	return s.ledger.FindByTransactionID(ctx, transactionID)
}

// activate runs the enrollment side effect and records it on the payment.
// Failures are left for the next sweep.
func (s *SettlementService) activate(ctx context.Context, payment *models.Payment) bool {
	if err := s.activator.Activate(ctx, payment); err != nil {
		s.metrics.enrollmentFailures.Add(1)
		utils.ErrorLogger.WithField("transaction_id", payment.TransactionID).WithError(err).Error("Enrollment activation failed")
		return false
	}
	if err := s.ledger.MarkEnrollmentActivated(ctx, payment.TransactionID); err != nil {
		utils.ErrorLogger.WithField("transaction_id", payment.TransactionID).WithError(err).Error("Failed to record enrollment activation")
		return false
	}
	return true
}

func (s *SettlementService) recordSettled(payment *models.Payment) {
	switch payment.Status {
	case models.PaymentStatusCompleted:
		s.metrics.completed.Add(1)
	case models.PaymentStatusFailed:
		s.metrics.failed.Add(1)
	}
}

func remoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}
