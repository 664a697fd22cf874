package gateways

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/course-settlement/models"
	"github.com/yeremiapane/course-settlement/utils"
)

const MoMoName = "momo"

var (
	momoCreateFields = []string{
		"accessKey", "amount", "extraData", "ipnUrl", "orderId", "orderInfo",
		"partnerCode", "redirectUrl", "requestId", "requestType",
	}
	momoCallbackFields = []string{
		"accessKey", "amount", "extraData", "message", "orderId", "orderInfo", "orderType",
		"partnerCode", "payType", "requestId", "responseTime", "resultCode", "transId",
	}
	momoQueryFields  = []string{"accessKey", "orderId", "partnerCode", "requestId"}
	momoRefundFields = []string{
		"accessKey", "amount", "description", "orderId", "partnerCode", "requestId", "transId",
	}
)

var momoResultMessages = map[int]string{
	0:    "Successful",
	9000: "Transaction authorized, waiting for capture",
	8000: "Transaction is being processed",
	7000: "Transaction is being processed by the provider",
	7002: "Transaction is being processed by the provider",
	1000: "Transaction initiated, waiting for user confirmation",
	1001: "Insufficient balance",
	1002: "Rejected by the card issuer",
	1003: "Transaction cancelled",
	1004: "Amount exceeds the payment limit",
	1005: "Payment URL or QR code expired",
	1006: "User declined the payment",
	1007: "Account is inactive",
	1017: "Transaction cancelled by merchant",
	1026: "Transaction restricted by promotion rules",
	1080: "Refund rejected: refund period exceeded",
	1081: "Refund rejected: original transaction was not successful",
	2019: "Order was already cancelled or paid",
	4001: "Transaction restricted for this account",
	4010: "OTP verification failed",
	4011: "OTP not sent or timed out",
	4015: "3DS verification failed",
	4100: "User did not complete the payment",
	10:   "System under maintenance",
	11:   "Access denied",
	12:   "API version not supported",
	13:   "Merchant authentication failed",
	20:   "Bad request format",
	21:   "Invalid transaction amount",
	22:   "Invalid order information",
	40:   "Duplicate requestId",
	41:   "Duplicate orderId",
	42:   "orderId is invalid or not found",
	43:   "Conflicting transaction in progress",
	44:   "Transaction failed",
	45:   "Original transaction is not refundable",
	99:   "Unknown error",
}

// Codes that mean the payer has not finished yet.
var momoPendingCodes = map[int]bool{1000: true, 7000: true, 7002: true, 8000: true, 9000: true}

const momoOrderNotFound = 42

type MoMoConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	RedirectURL string
	IPNURL      string
	PartnerName string
	StoreID     string
	RequestType string
	HTTPTimeout time.Duration
}

func (c *MoMoConfig) Validate() error {
	if c.PartnerCode == "" {
		return fmt.Errorf("MOMO_PARTNER_CODE is not set")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("MOMO_ACCESS_KEY is not set")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("MOMO_SECRET_KEY is not set")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("MOMO_ENDPOINT is not set")
	}
	if c.IPNURL == "" {
		return fmt.Errorf("MOMO_IPN_URL is not set")
	}
	return nil
}

// MoMoAdapter talks to the MoMo v2 gateway API: server-side create, JSON IPN
// and query/refund calls.
type MoMoAdapter struct {
	config     MoMoConfig
	httpClient *http.Client
	now        func() time.Time
}

func NewMoMoAdapter(config MoMoConfig) *MoMoAdapter {
	if config.RequestType == "" {
		config.RequestType = "captureWallet"
	}
	if config.PartnerName == "" {
		config.PartnerName = "Course Marketplace"
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	return &MoMoAdapter{
		config:     config,
		httpClient: newHTTPClient(config.HTTPTimeout),
		now:        time.Now,
	}
}

func (m *MoMoAdapter) Name() string { return MoMoName }

func (m *MoMoAdapter) BuildCheckout(ctx context.Context, payment *models.Payment, opts CheckoutOptions) (*Checkout, error) {
	amount, err := payment.FinalAmountMinorUnits()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidAmount, err)
	}

	orderInfo := opts.OrderInfo
	if orderInfo == "" {
		orderInfo = "Payment for course " + payment.ProductID
	}
	lang := "vi"
	if opts.Locale == "en" {
		lang = "en"
	}

	// A resumed checkout reuses the requestId so MoMo treats it as a replay.
	requestID := momoRequestID(payment.TransactionID)
	params := map[string]string{
		"accessKey":   m.config.AccessKey,
		"amount":      strconv.FormatInt(amount, 10),
		"extraData":   "",
		"ipnUrl":      m.config.IPNURL,
		"orderId":     payment.TransactionID,
		"orderInfo":   orderInfo,
		"partnerCode": m.config.PartnerCode,
		"redirectUrl": m.config.RedirectURL,
		"requestId":   requestID,
		"requestType": m.config.RequestType,
	}
	signature, err := HMACSHA256(FixedOrder(momoCreateFields...)).Sign(params, m.config.SecretKey)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"partnerCode":     m.config.PartnerCode,
		"partnerName":     m.config.PartnerName,
		"storeId":         m.config.StoreID,
		"requestId":       requestID,
		"amount":          amount,
		"orderId":         payment.TransactionID,
		"orderInfo":       orderInfo,
		"redirectUrl":     m.config.RedirectURL,
		"ipnUrl":          m.config.IPNURL,
		"lang":            lang,
		"requestType":     m.config.RequestType,
		"autoCapture":     true,
		"extraData":       "",
		"orderExpireTime": momoExpireMinutes(payment.ExpiresAt.Sub(m.now())),
		"signature":       signature,
	}

	resp, err := postJSON(ctx, m.httpClient, m.config.Endpoint+"/create", body)
	if err != nil {
		return nil, fmt.Errorf("momo create %s: %w", payment.TransactionID, err)
	}
	if resp["resultCode"] != "0" || resp["payUrl"] == "" {
		return nil, fmt.Errorf("%w: momo create %s: code %s: %s", ErrGatewayRejected, payment.TransactionID, resp["resultCode"], resp["message"])
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"gateway":        MoMoName,
		"transaction_id": payment.TransactionID,
	}).Info("Created MoMo payment")

	return &Checkout{RedirectURL: resp["payUrl"], ExpiresAt: payment.ExpiresAt}, nil
}

// ParseCallback accepts the JSON IPN (POST) and the browser redirect (GET),
// which carries the same fields as query parameters.
func (m *MoMoAdapter) ParseCallback(r *http.Request) (*Result, error) {
	var fields map[string]string
	if r.Method == http.MethodPost {
		decoded, err := decodeFlatJSON(r.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		fields = decoded
	} else {
		fields = make(map[string]string)
		for k, values := range r.URL.Query() {
			if len(values) > 0 {
				fields[k] = values[0]
			}
		}
	}

	provided := fields["signature"]
	if provided == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}

	params := make(map[string]string, len(momoCallbackFields))
	for _, k := range momoCallbackFields[1:] {
		v, ok := fields[k]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedCallback, k)
		}
		params[k] = v
	}
	params["accessKey"] = m.config.AccessKey

	if !HMACSHA256(FixedOrder(momoCallbackFields...)).Verify(params, m.config.SecretKey, provided) {
		return nil, ErrInvalidSignature
	}
	if fields["partnerCode"] != m.config.PartnerCode {
		return nil, fmt.Errorf("%w: partnerCode %q", ErrMalformedCallback, fields["partnerCode"])
	}

	amount, err := strconv.ParseInt(fields["amount"], 10, 64)
	if err != nil || amount < 0 {
		return nil, fmt.Errorf("%w: amount %q", ErrMalformedCallback, fields["amount"])
	}

	return m.result(fields, amount)
}

func (m *MoMoAdapter) QueryStatus(ctx context.Context, payment *models.Payment) (*Result, error) {
	requestID := uuid.NewString()
	params := map[string]string{
		"accessKey":   m.config.AccessKey,
		"orderId":     payment.TransactionID,
		"partnerCode": m.config.PartnerCode,
		"requestId":   requestID,
	}
	signature, err := HMACSHA256(FixedOrder(momoQueryFields...)).Sign(params, m.config.SecretKey)
	if err != nil {
		return nil, err
	}

	resp, err := postJSON(ctx, m.httpClient, m.config.Endpoint+"/query", map[string]any{
		"partnerCode": m.config.PartnerCode,
		"requestId":   requestID,
		"orderId":     payment.TransactionID,
		"signature":   signature,
		"lang":        "en",
	})
	if err != nil {
		return nil, fmt.Errorf("momo query %s: %w", payment.TransactionID, err)
	}

	code, err := strconv.Atoi(resp["resultCode"])
	if err != nil {
		return nil, fmt.Errorf("%w: momo query %s: resultCode %q", ErrGatewayRejected, payment.TransactionID, resp["resultCode"])
	}
	if code == momoOrderNotFound {
		return nil, fmt.Errorf("%w: momo query %s: %s", ErrGatewayRejected, payment.TransactionID, momoResultMessages[code])
	}

	var amount int64
	if resp["amount"] != "" {
		amount, err = strconv.ParseInt(resp["amount"], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: momo query %s: amount %q", ErrGatewayRejected, payment.TransactionID, resp["amount"])
		}
	}
	if resp["orderId"] == "" {
		resp["orderId"] = payment.TransactionID
	}
	return m.result(resp, amount)
}

func (m *MoMoAdapter) Refund(ctx context.Context, payment *models.Payment, amountMinorUnits int64) error {
	if payment.GatewayTransactionID == nil || *payment.GatewayTransactionID == "" {
		return fmt.Errorf("%w: momo refund %s: no gateway transaction id", ErrGatewayRejected, payment.TransactionID)
	}
	full, err := payment.FinalAmountMinorUnits()
	if err != nil {
		return err
	}
	if amountMinorUnits <= 0 || amountMinorUnits > full {
		return fmt.Errorf("%w: refund amount %d outside (0, %d]", models.ErrInvalidAmount, amountMinorUnits, full)
	}

	requestID := momoRefundRequestID(payment.TransactionID, amountMinorUnits)
	orderID := payment.TransactionID + "-RF"
	description := "Refund for order " + payment.TransactionID
	params := map[string]string{
		"accessKey":   m.config.AccessKey,
		"amount":      strconv.FormatInt(amountMinorUnits, 10),
		"description": description,
		"orderId":     orderID,
		"partnerCode": m.config.PartnerCode,
		"requestId":   requestID,
		"transId":     *payment.GatewayTransactionID,
	}
	signature, err := HMACSHA256(FixedOrder(momoRefundFields...)).Sign(params, m.config.SecretKey)
	if err != nil {
		return err
	}

	transID, err := strconv.ParseInt(*payment.GatewayTransactionID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: momo refund %s: transId %q", ErrGatewayRejected, payment.TransactionID, *payment.GatewayTransactionID)
	}

	resp, err := postJSON(ctx, m.httpClient, m.config.Endpoint+"/refund", map[string]any{
		"partnerCode": m.config.PartnerCode,
		"orderId":     orderID,
		"requestId":   requestID,
		"amount":      amountMinorUnits,
		"transId":     transID,
		"lang":        "en",
		"description": description,
		"signature":   signature,
	})
	if err != nil {
		return fmt.Errorf("momo refund %s: %w", payment.TransactionID, err)
	}
	if resp["resultCode"] != "0" {
		return fmt.Errorf("%w: momo refund %s: code %s: %s", ErrGatewayRejected, payment.TransactionID, resp["resultCode"], resp["message"])
	}
	return nil
}

func (m *MoMoAdapter) Ack(kind AckKind) Ack {
	switch kind {
	case AckReceived:
		return Ack{Status: http.StatusNoContent}
	case AckInvalidSignature:
		return Ack{Status: http.StatusBadRequest, Body: map[string]string{"message": "invalid signature"}}
	default:
		return Ack{Status: http.StatusInternalServerError, Body: map[string]string{"message": "internal error"}}
	}
}

func (m *MoMoAdapter) result(fields map[string]string, amount int64) (*Result, error) {
	code, err := strconv.Atoi(fields["resultCode"])
	if err != nil {
		return nil, fmt.Errorf("%w: resultCode %q", ErrMalformedCallback, fields["resultCode"])
	}

	result := &Result{
		Gateway:               MoMoName,
		TransactionID:         fields["orderId"],
		FinalAmountMinorUnits: amount,
		ResultCode:            fields["resultCode"],
		Success:               code == 0,
		Pending:               momoPendingCodes[code],
		Raw:                   fields,
	}
	if transID := fields["transId"]; transID != "" && transID != "0" {
		result.GatewayTransactionID = transID
	}

	message, known := momoResultMessages[code]
	if !known {
		result.Message = "Unknown result code " + fields["resultCode"]
		return result, fmt.Errorf("%w: resultCode %d", ErrUnknownResultCode, code)
	}
	result.Message = message
	return result, nil
}

// momoRequestID derives a stable request nonce from the transaction id.
func momoRequestID(transactionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("momo:create:"+transactionID)).String()
}

func momoRefundRequestID(transactionID string, amountMinorUnits int64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("momo:refund:%s:%d", transactionID, amountMinorUnits))).String()
}

// momoExpireMinutes converts the remaining payment window to MoMo's
// orderExpireTime, which counts whole minutes.
func momoExpireMinutes(remaining time.Duration) int {
	minutes := int(math.Ceil(remaining.Minutes()))
	if minutes < 1 {
		return 1
	}
	return minutes
}
