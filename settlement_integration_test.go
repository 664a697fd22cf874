package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/course-settlement/app"
	"github.com/yeremiapane/course-settlement/config"
	"github.com/yeremiapane/course-settlement/gateways"
	"github.com/yeremiapane/course-settlement/models"
	"github.com/yeremiapane/course-settlement/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	itJWTSecret      = "integration-secret-0123456789"
	itVNPayTmnCode   = "TESTTMN1"
	itVNPaySecret    = "VNPAYSECRETKEY0123456789"
	itMoMoPartner    = "MOMOTEST"
	itMoMoAccessKey  = "momo-access-key"
	itMoMoSecretKey  = "momo-secret-key"
	itCourseID       = "go-101"
	itCoursePrice    = 999000
	itStudentID      = "student-42"
	itOtherStudentID = "student-77"
)

func TestMain(m *testing.M) {
	utils.InitLogger(false)
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// momoSandbox answers the create endpoint the way MoMo's sandbox does.
func momoSandbox(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"partnerCode": itMoMoPartner,
			"orderId":     body["orderId"],
			"resultCode":  0,
			"message":     "Successful.",
			"payUrl":      "https://test-payment.momo.vn/v2/gateway/pay?t=" + url.QueryEscape(body["orderId"].(string)),
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "settlement.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	momo := momoSandbox(t)
	cfg := &config.Config{
		Port:                  "0",
		GinMode:               gin.TestMode,
		DBDriver:              "sqlite",
		DBDSN:                 "file",
		JWTSecret:             itJWTSecret,
		FrontendURL:           "https://learn.example.com",
		Currency:              "VND",
		PaymentWindow:         15 * time.Minute,
		ReconcileInterval:     time.Minute,
		ReconcileBatchSize:    100,
		ReconcileQueryGateway: false,
		ReconcileHardExpiry:   24 * time.Hour,
		GatewayHTTPTimeout:    2 * time.Second,
		SnowflakeNode:         7,
		VNPayTmnCode:          itVNPayTmnCode,
		VNPayHashSecret:       itVNPaySecret,
		VNPayURL:              "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		VNPayAPIURL:           "https://sandbox.vnpayment.vn/merchant_webapi/api/transaction",
		VNPayReturnURL:        "https://api.example.com/webhooks/vnpay/return",
		MoMoPartnerCode:       itMoMoPartner,
		MoMoAccessKey:         itMoMoAccessKey,
		MoMoSecretKey:         itMoMoSecretKey,
		MoMoEndpoint:          momo.URL,
		MoMoRedirectURL:       "https://api.example.com/webhooks/momo/return",
		MoMoIPNURL:            "https://api.example.com/webhooks/momo/ipn",
		KafkaEnrollmentTopic:  "enrollment.activate",
	}
	require.NoError(t, cfg.Validate())

	a, err := app.New(context.Background(), cfg, db)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NoError(t, db.Create(&models.CoursePrice{
		ProductID: itCourseID,
		Title:     "Go from zero",
		Price:     decimal.NewFromInt(itCoursePrice),
		Published: true,
	}).Error)
	return a
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	signed, err := utils.GenerateToken([]byte(itJWTSecret), userID, role, time.Hour)
	require.NoError(t, err)
	return signed
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func doJSON(t *testing.T, router http.Handler, method, path, bearer string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

type createdPayment struct {
	TransactionID string `json:"transaction_id"`
	RedirectURL   string `json:"redirect_url"`
}

func createPayment(t *testing.T, router http.Handler, studentID, gateway string) createdPayment {
	t.Helper()
	w, env := doJSON(t, router, http.MethodPost, "/payments", token(t, studentID, "student"), map[string]string{
		"course_id": itCourseID,
		"gateway":   gateway,
		"locale":    "en",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created createdPayment
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.TransactionID)
	return created
}

func vnpayCallbackQuery(t *testing.T, transactionID string, amount int64, responseCode string) url.Values {
	t.Helper()
	params := map[string]string{
		"vnp_TmnCode":           itVNPayTmnCode,
		"vnp_TxnRef":            transactionID,
		"vnp_Amount":            strconv.FormatInt(amount*100, 10),
		"vnp_ResponseCode":      responseCode,
		"vnp_TransactionStatus": responseCode,
		"vnp_TransactionNo":     "14422574",
		"vnp_BankCode":          "NCB",
		"vnp_OrderInfo":         "Payment for course " + itCourseID,
		"vnp_PayDate":           "20240501103000",
	}
	signature, err := gateways.HMACSHA512(gateways.SortedQuery).Sign(params, itVNPaySecret)
	require.NoError(t, err)

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("vnp_SecureHash", signature)
	return query
}

func momoIPNBody(t *testing.T, transactionID string, amount int64, resultCode int) []byte {
	t.Helper()
	fields := map[string]string{
		"partnerCode":  itMoMoPartner,
		"orderId":      transactionID,
		"requestId":    "req-" + transactionID,
		"amount":       strconv.FormatInt(amount, 10),
		"orderInfo":    "Payment for course " + itCourseID,
		"orderType":    "momo_wallet",
		"transId":      "4088878653",
		"resultCode":   strconv.Itoa(resultCode),
		"message":      "Successful.",
		"payType":      "qr",
		"responseTime": "1714532700000",
		"extraData":    "",
	}
	params := map[string]string{"accessKey": itMoMoAccessKey}
	for k, v := range fields {
		params[k] = v
	}
	signature, err := gateways.HMACSHA256(gateways.FixedOrder(
		"accessKey", "amount", "extraData", "message", "orderId", "orderInfo", "orderType",
		"partnerCode", "payType", "requestId", "responseTime", "resultCode", "transId",
	)).Sign(params, itMoMoSecretKey)
	require.NoError(t, err)

	body := map[string]any{
		"partnerCode":  itMoMoPartner,
		"orderId":      transactionID,
		"requestId":    "req-" + transactionID,
		"amount":       amount,
		"orderInfo":    "Payment for course " + itCourseID,
		"orderType":    "momo_wallet",
		"transId":      int64(4088878653),
		"resultCode":   resultCode,
		"message":      "Successful.",
		"payType":      "qr",
		"responseTime": int64(1714532700000),
		"extraData":    "",
		"signature":    signature,
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func postMoMoIPN(router http.Handler, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/momo/ipn", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func getVNPayIPN(router http.Handler, query url.Values) (*httptest.ResponseRecorder, map[string]string) {
	req := httptest.NewRequest(http.MethodGet, "/webhooks/vnpay/ipn?"+query.Encode(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var ack map[string]string
	json.Unmarshal(w.Body.Bytes(), &ack)
	return w, ack
}

func loadPayment(t *testing.T, a *app.App, transactionID string) *models.Payment {
	t.Helper()
	var payment models.Payment
	require.NoError(t, a.DB.Where("transaction_id = ?", transactionID).First(&payment).Error)
	return &payment
}

func enrollmentCount(t *testing.T, a *app.App, studentID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, a.DB.Model(&models.Enrollment{}).
		Where("payer_id = ? AND product_id = ?", studentID, itCourseID).
		Count(&count).Error)
	return count
}

func TestVNPayPurchaseSettlesAndEnrolls(t *testing.T) {
	a := newTestApp(t)

	created := createPayment(t, a.Router, itStudentID, gateways.VNPayName)
	assert.Contains(t, created.RedirectURL, "vnp_TxnRef="+created.TransactionID)
	assert.Contains(t, created.RedirectURL, "vnp_Amount=99900000")
	assert.Contains(t, created.RedirectURL, "vnp_SecureHash=")

	w, ack := getVNPayIPN(a.Router, vnpayCallbackQuery(t, created.TransactionID, itCoursePrice, "00"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "00", ack["RspCode"])

	payment := loadPayment(t, a, created.TransactionID)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	require.NotNil(t, payment.GatewayTransactionID)
	assert.Equal(t, "14422574", *payment.GatewayTransactionID)
	assert.NotNil(t, payment.PaidAt)
	assert.NotNil(t, payment.EnrollmentActivatedAt)
	assert.Equal(t, int64(1), enrollmentCount(t, a, itStudentID))

	// The payer polls the real status after the redirect.
	w, env := doJSON(t, a.Router, http.MethodGet, "/payments/"+created.TransactionID, token(t, itStudentID, "student"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var polled models.Payment
	require.NoError(t, json.Unmarshal(env.Data, &polled))
	assert.Equal(t, models.PaymentStatusCompleted, polled.Status)

	// Someone else's payment is invisible.
	w, _ = doJSON(t, a.Router, http.MethodGet, "/payments/"+created.TransactionID, token(t, itOtherStudentID, "student"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Buying an owned course again is refused.
	w, _ = doJSON(t, a.Router, http.MethodPost, "/payments", token(t, itStudentID, "student"), map[string]string{
		"course_id": itCourseID,
		"gateway":   gateways.MoMoName,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestVNPayTamperedAmountIsRejected(t *testing.T) {
	a := newTestApp(t)
	created := createPayment(t, a.Router, itStudentID, gateways.VNPayName)

	query := vnpayCallbackQuery(t, created.TransactionID, itCoursePrice, "00")
	query.Set("vnp_Amount", strconv.FormatInt(1000*100, 10))

	w, ack := getVNPayIPN(a.Router, query)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "97", ack["RspCode"])

	payment := loadPayment(t, a, created.TransactionID)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.Zero(t, enrollmentCount(t, a, itStudentID))
	assert.Equal(t, int64(1), a.Service.Metrics().Snapshot().RejectedCallbacks)
}

func TestVNPayReturnRedirectsToFrontend(t *testing.T) {
	a := newTestApp(t)
	created := createPayment(t, a.Router, itStudentID, gateways.VNPayName)

	query := vnpayCallbackQuery(t, created.TransactionID, itCoursePrice, "24")
	req := httptest.NewRequest(http.MethodGet, "/webhooks/vnpay/return?"+query.Encode(), nil)
	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/enrollment/result", location.Path)
	assert.Equal(t, "failed", location.Query().Get("status"))
	assert.Equal(t, created.TransactionID, location.Query().Get("transaction_id"))

	assert.Equal(t, models.PaymentStatusFailed, loadPayment(t, a, created.TransactionID).Status)
}

func TestMoMoDuplicateIPNEnrollsOnce(t *testing.T) {
	a := newTestApp(t)

	created := createPayment(t, a.Router, itStudentID, gateways.MoMoName)
	assert.Contains(t, created.RedirectURL, "test-payment.momo.vn")

	body := momoIPNBody(t, created.TransactionID, itCoursePrice, 0)

	first := postMoMoIPN(a.Router, body)
	assert.Equal(t, http.StatusNoContent, first.Code)
	second := postMoMoIPN(a.Router, body)
	assert.Equal(t, http.StatusNoContent, second.Code)

	payment := loadPayment(t, a, created.TransactionID)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.Equal(t, int64(1), enrollmentCount(t, a, itStudentID))

	metrics := a.Service.Metrics().Snapshot()
	assert.Equal(t, int64(1), metrics.Completed)
	assert.Equal(t, int64(1), metrics.DuplicateCallbacks)
}

func TestMoMoForgedIPNIsRejected(t *testing.T) {
	a := newTestApp(t)
	created := createPayment(t, a.Router, itStudentID, gateways.MoMoName)

	var body map[string]any
	require.NoError(t, json.Unmarshal(momoIPNBody(t, created.TransactionID, itCoursePrice, 0), &body))
	body["amount"] = 1000
	forged, err := json.Marshal(body)
	require.NoError(t, err)

	w := postMoMoIPN(a.Router, forged)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.PaymentStatusPending, loadPayment(t, a, created.TransactionID).Status)
}

func TestConcurrentIPNsSettleOnce(t *testing.T) {
	a := newTestApp(t)
	created := createPayment(t, a.Router, itStudentID, gateways.MoMoName)
	body := momoIPNBody(t, created.TransactionID, itCoursePrice, 0)

	const deliveries = 12
	var wg sync.WaitGroup
	codes := make([]int, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = postMoMoIPN(a.Router, body).Code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusNoContent, code)
	}
	assert.Equal(t, models.PaymentStatusCompleted, loadPayment(t, a, created.TransactionID).Status)
	assert.Equal(t, int64(1), enrollmentCount(t, a, itStudentID))

	metrics := a.Service.Metrics().Snapshot()
	assert.Equal(t, int64(1), metrics.Completed)
	assert.Equal(t, int64(deliveries-1), metrics.DuplicateCallbacks)
}

func TestSweepExpiresAbandonedPayment(t *testing.T) {
	a := newTestApp(t)
	created := createPayment(t, a.Router, itStudentID, gateways.VNPayName)

	// Pretend the payer walked away an hour ago.
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, a.DB.Model(&models.Payment{}).
		Where("transaction_id = ?", created.TransactionID).
		Updates(map[string]any{"created_at": past, "expires_at": past.Add(15 * time.Minute)}).Error)

	w, _ := doJSON(t, a.Router, http.MethodPost, "/admin/payments/reconcile", token(t, itStudentID, "student"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env := doJSON(t, a.Router, http.MethodPost, "/admin/payments/reconcile", token(t, "ops-1", "admin"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report map[string]int
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, 1, report["scanned"])
	assert.Equal(t, 1, report["expired"])

	payment := loadPayment(t, a, created.TransactionID)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	require.NotNil(t, payment.FailureReason)
	assert.Equal(t, "payment window expired", *payment.FailureReason)

	// A late success for the expired payment changes nothing.
	_, ack := getVNPayIPN(a.Router, vnpayCallbackQuery(t, created.TransactionID, itCoursePrice, "00"))
	assert.Equal(t, "00", ack["RspCode"])
	assert.Equal(t, models.PaymentStatusFailed, loadPayment(t, a, created.TransactionID).Status)
	assert.Zero(t, enrollmentCount(t, a, itStudentID))
	assert.Equal(t, int64(1), a.Service.Metrics().Snapshot().LateSuccesses)

	// The slot is free again.
	again := createPayment(t, a.Router, itStudentID, gateways.VNPayName)
	assert.NotEqual(t, created.TransactionID, again.TransactionID)
}

func TestStudentCancelsPendingPayment(t *testing.T) {
	a := newTestApp(t)
	created := createPayment(t, a.Router, itStudentID, gateways.VNPayName)

	w, _ := doJSON(t, a.Router, http.MethodPost, "/payments/"+created.TransactionID+"/cancel", token(t, itOtherStudentID, "student"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env := doJSON(t, a.Router, http.MethodPost, "/payments/"+created.TransactionID+"/cancel", token(t, itStudentID, "student"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled models.Payment
	require.NoError(t, json.Unmarshal(env.Data, &cancelled))
	assert.Equal(t, models.PaymentStatusCancelled, cancelled.Status)
}
