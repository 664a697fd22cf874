package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/course-settlement/utils"
)

// PaymentMetrics holds in-process settlement counters.
type PaymentMetrics struct {
	initiated          atomic.Int64
	resumed            atomic.Int64
	completed          atomic.Int64
	failed             atomic.Int64
	expired            atomic.Int64
	cancelled          atomic.Int64
	refunded           atomic.Int64
	rejectedCallbacks  atomic.Int64
	duplicateCallbacks atomic.Int64
	lateSuccesses      atomic.Int64
	amountMismatches   atomic.Int64
	gatewayErrors      atomic.Int64
	enrollmentFailures atomic.Int64
	sweeps             atomic.Int64
	lastSweepUnix      atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of PaymentMetrics.
type MetricsSnapshot struct {
	Initiated          int64      `json:"initiated"`
	Resumed            int64      `json:"resumed"`
	Completed          int64      `json:"completed"`
	Failed             int64      `json:"failed"`
	Expired            int64      `json:"expired"`
	Cancelled          int64      `json:"cancelled"`
	Refunded           int64      `json:"refunded"`
	RejectedCallbacks  int64      `json:"rejected_callbacks"`
	DuplicateCallbacks int64      `json:"duplicate_callbacks"`
	LateSuccesses      int64      `json:"late_successes"`
	AmountMismatches   int64      `json:"amount_mismatches"`
	GatewayErrors      int64      `json:"gateway_errors"`
	EnrollmentFailures int64      `json:"enrollment_failures"`
	Sweeps             int64      `json:"sweeps"`
	LastSweepAt        *time.Time `json:"last_sweep_at,omitempty"`
}

func NewPaymentMetrics() *PaymentMetrics {
	return &PaymentMetrics{}
}

func (m *PaymentMetrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Initiated:          m.initiated.Load(),
		Resumed:            m.resumed.Load(),
		Completed:          m.completed.Load(),
		Failed:             m.failed.Load(),
		Expired:            m.expired.Load(),
		Cancelled:          m.cancelled.Load(),
		Refunded:           m.refunded.Load(),
		RejectedCallbacks:  m.rejectedCallbacks.Load(),
		DuplicateCallbacks: m.duplicateCallbacks.Load(),
		LateSuccesses:      m.lateSuccesses.Load(),
		AmountMismatches:   m.amountMismatches.Load(),
		GatewayErrors:      m.gatewayErrors.Load(),
		EnrollmentFailures: m.enrollmentFailures.Load(),
		Sweeps:             m.sweeps.Load(),
	}
	if unix := m.lastSweepUnix.Load(); unix > 0 {
		t := time.Unix(unix, 0).UTC()
		s.LastSweepAt = &t
	}
	return s
}

// Reconciler runs one expiry sweep.
type Reconciler interface {
	ReconcileExpired(ctx context.Context) (*ReconcileReport, error)
}

// SweepLock keeps replicas from sweeping at the same time. Acquire returns
// ok=false when another holder owns the lock.
type SweepLock interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}

// PaymentMonitor runs the reconciliation sweep on a ticker.
type PaymentMonitor struct {
	reconciler Reconciler
	lock       SweepLock
	interval   time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
	mutex      sync.Mutex
}

func NewPaymentMonitor(reconciler Reconciler, lock SweepLock, interval time.Duration) *PaymentMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PaymentMonitor{
		reconciler: reconciler,
		lock:       lock,
		interval:   interval,
	}
}

// Start launches the sweep loop. Calling Start twice is a no-op.
func (pm *PaymentMonitor) Start(ctx context.Context) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	if pm.cancel != nil {
		return
	}

	ctx, pm.cancel = context.WithCancel(ctx)
	pm.done = make(chan struct{})
	go pm.loop(ctx, pm.done)

	utils.InfoLogger.WithField("interval", pm.interval.String()).Info("Payment monitor started")
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (pm *PaymentMonitor) Stop() {
	pm.mutex.Lock()
	cancel, done := pm.cancel, pm.done
	pm.cancel, pm.done = nil, nil
	pm.mutex.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	utils.InfoLogger.Info("Payment monitor stopped")
}

func (pm *PaymentMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pm.RunOnce(ctx); err != nil {
				utils.ErrorLogger.WithError(err).Error("Reconciliation sweep failed")
			}
		}
	}
}

// RunOnce performs a single sweep. It returns a nil report when another
// replica holds the sweep lock.
func (pm *PaymentMonitor) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	if pm.lock != nil {
		release, ok, err := pm.lock.Acquire(ctx, 2*pm.interval)
		if err != nil {
			return nil, err
		}
		if !ok {
			utils.InfoLogger.Debug("Sweep lock held elsewhere, skipping")
			return nil, nil
		}
		defer release()
	}

	report, err := pm.reconciler.ReconcileExpired(ctx)
	if err != nil {
		return report, err
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"scanned":   report.Scanned,
		"completed": report.Completed,
		"failed":    report.Failed,
		"expired":   report.Expired,
		"deferred":  report.Deferred,
		"enrolled":  report.Enrolled,
		"errors":    report.Errors,
	}).Info("Reconciliation sweep finished")
	return report, nil
}
