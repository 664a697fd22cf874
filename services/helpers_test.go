package services

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/course-settlement/database"
	"github.com/yeremiapane/course-settlement/gateways"
	"github.com/yeremiapane/course-settlement/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by the ledger and the service.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testNow}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func seedCourse(t *testing.T, db *gorm.DB, productID string, price int64, discountPrice *int64) {
	t.Helper()
	course := models.CoursePrice{
		ProductID: productID,
		Title:     "Course " + productID,
		Price:     decimal.NewFromInt(price),
		Published: true,
	}
	if discountPrice != nil {
		course.DiscountPrice = decimal.NewNullDecimal(decimal.NewFromInt(*discountPrice))
	}
	require.NoError(t, db.Create(&course).Error)
}

func newTestLedger(t *testing.T, db *gorm.DB, clock *testClock) *GormPaymentLedger {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewGormPaymentLedger(db, NewGormEnrollmentStore(db), node).WithClock(clock.Now)
}

func openRequest(payerID, productID, gateway string, amount int64) OpenRequest {
	return OpenRequest{
		PayerID:        payerID,
		ProductID:      productID,
		GatewayName:    gateway,
		Currency:       "VND",
		Amount:         decimal.NewFromInt(amount),
		DiscountAmount: decimal.Zero,
		Window:         15 * time.Minute,
	}
}

// fakeGateway is an Adapter whose callbacks and API answers are scripted.
type fakeGateway struct {
	name string

	mu          sync.Mutex
	callback    *gateways.Result
	callbackErr error
	query       *gateways.Result
	queryErr    error
	checkoutErr error
	refundErr   error
	refundDelay time.Duration
	refunds     []int64
	queries     int
}

func newFakeGateway(name string) *fakeGateway {
	return &fakeGateway{name: name}
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) BuildCheckout(ctx context.Context, payment *models.Payment, opts gateways.CheckoutOptions) (*gateways.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkoutErr != nil {
		return nil, g.checkoutErr
	}
	return &gateways.Checkout{
		RedirectURL: "https://pay.example.com/" + g.name + "/" + payment.TransactionID,
		ExpiresAt:   payment.ExpiresAt,
	}, nil
}

func (g *fakeGateway) ParseCallback(r *http.Request) (*gateways.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.callback == nil {
		return nil, g.callbackErr
	}
	result := *g.callback
	return &result, g.callbackErr
}

func (g *fakeGateway) QueryStatus(ctx context.Context, payment *models.Payment) (*gateways.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.query == nil {
		return nil, g.queryErr
	}
	result := *g.query
	result.TransactionID = payment.TransactionID
	return &result, g.queryErr
}

func (g *fakeGateway) Refund(ctx context.Context, payment *models.Payment, amountMinorUnits int64) error {
	g.mu.Lock()
	delay := g.refundDelay
	g.mu.Unlock()
	time.Sleep(delay)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return g.refundErr
	}
	g.refunds = append(g.refunds, amountMinorUnits)
	return nil
}

func (g *fakeGateway) Ack(kind gateways.AckKind) gateways.Ack {
	switch kind {
	case gateways.AckInvalidSignature:
		return gateways.Ack{Status: http.StatusBadRequest}
	case gateways.AckRetry:
		return gateways.Ack{Status: http.StatusInternalServerError}
	}
	return gateways.Ack{Status: http.StatusNoContent}
}

func (g *fakeGateway) setCallback(result *gateways.Result, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callback, g.callbackErr = result, err
}

func (g *fakeGateway) setQuery(result *gateways.Result, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.query, g.queryErr = result, err
}

func (g *fakeGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

func successResult(gateway, transactionID string, amount int64) *gateways.Result {
	return &gateways.Result{
		Gateway:               gateway,
		TransactionID:         transactionID,
		GatewayTransactionID:  "GW-" + transactionID,
		FinalAmountMinorUnits: amount,
		ResultCode:            "00",
		Message:               "Successful",
		Success:               true,
		Raw:                   map[string]string{"code": "00"},
	}
}

func failureResult(gateway, transactionID string, amount int64, code string) *gateways.Result {
	return &gateways.Result{
		Gateway:               gateway,
		TransactionID:         transactionID,
		FinalAmountMinorUnits: amount,
		ResultCode:            code,
		Message:               "Declined",
	}
}

// mockActivator records enrollment activations.
type mockActivator struct {
	mock.Mock
}

func (m *mockActivator) Activate(ctx context.Context, payment *models.Payment) error {
	args := m.Called(ctx, payment)
	return args.Error(0)
}

func callbackRequest() *http.Request {
	req, _ := http.NewRequest(http.MethodPost, "/webhooks/fake/ipn", nil)
	req.RemoteAddr = "203.0.113.10:4321"
	return req
}
