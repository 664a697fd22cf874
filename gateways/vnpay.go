package gateways

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/course-settlement/models"
	"github.com/yeremiapane/course-settlement/utils"
)

const VNPayName = "vnpay"

const (
	vnpVersion       = "2.1.0"
	vnpDateLayout    = "20060102150405"
	vnpAmountFactor  = 100
	vnpSuccessCode   = "00"
	vnpPendingStatus = "01"
	vnpFullRefund    = "02"
	vnpPartialRefund = "03"
)

// VNPay timestamps are wall-clock GMT+7 without a zone marker.
var vnpLocation = time.FixedZone("GMT+7", 7*60*60)

var (
	vnpQueryRequestFields = []string{
		"vnp_RequestId", "vnp_Version", "vnp_Command", "vnp_TmnCode", "vnp_TxnRef",
		"vnp_TransDate", "vnp_CreateDate", "vnp_IpAddr", "vnp_OrderInfo",
	}
	vnpQueryResponseFields = []string{
		"vnp_ResponseId", "vnp_Command", "vnp_ResponseCode", "vnp_Message", "vnp_TmnCode",
		"vnp_TxnRef", "vnp_Amount", "vnp_BankCode", "vnp_PayDate", "vnp_TransactionNo",
		"vnp_TransactionType", "vnp_TransactionStatus", "vnp_OrderInfo", "vnp_PromotionCode",
		"vnp_PromotionAmount",
	}
	vnpRefundRequestFields = []string{
		"vnp_RequestId", "vnp_Version", "vnp_Command", "vnp_TmnCode", "vnp_TransactionType",
		"vnp_TxnRef", "vnp_Amount", "vnp_TransDate", "vnp_CreateBy", "vnp_CreateDate",
		"vnp_IpAddr", "vnp_OrderInfo",
	}
)

var vnpResponseMessages = map[string]string{
	"00": "Transaction successful",
	"07": "Amount deducted, transaction flagged as suspicious",
	"09": "Card or account is not registered for internet banking",
	"10": "Card or account verification failed more than 3 times",
	"11": "Payment window expired",
	"12": "Card or account is locked",
	"13": "Wrong OTP",
	"24": "Customer cancelled the transaction",
	"51": "Insufficient balance",
	"65": "Daily transaction limit exceeded",
	"75": "Paying bank is under maintenance",
	"79": "Wrong payment password entered too many times",
	"99": "Other error",
}

var vnpTransactionStatusMessages = map[string]string{
	"00": "Transaction successful",
	"01": "Transaction not completed",
	"02": "Transaction failed",
	"04": "Transaction reversed",
	"05": "Refund in progress",
	"06": "Refund sent to bank",
	"07": "Transaction suspected of fraud",
	"09": "Refund rejected",
}

type VNPayConfig struct {
	TmnCode     string
	HashSecret  string
	PaymentURL  string
	APIURL      string
	ReturnURL   string
	ServerIP    string
	CreatedBy   string
	HTTPTimeout time.Duration
}

// Validate checks the settings needed to sign requests.
func (c *VNPayConfig) Validate() error {
	if c.TmnCode == "" {
		return fmt.Errorf("VNPAY_TMN_CODE is not set")
	}
	if c.HashSecret == "" {
		return fmt.Errorf("VNPAY_HASH_SECRET is not set")
	}
	if c.PaymentURL == "" {
		return fmt.Errorf("VNPAY_URL is not set")
	}
	if c.ReturnURL == "" {
		return fmt.Errorf("VNPAY_RETURN_URL is not set")
	}
	return nil
}

// VNPayAdapter talks to VNPay: redirect checkout, GET callbacks and the
// merchant web API for querydr and refund.
type VNPayAdapter struct {
	config     VNPayConfig
	httpClient *http.Client
	now        func() time.Time
}

func NewVNPayAdapter(config VNPayConfig) *VNPayAdapter {
	if config.ServerIP == "" {
		config.ServerIP = "127.0.0.1"
	}
	if config.CreatedBy == "" {
		config.CreatedBy = "settlement-service"
	}
	return &VNPayAdapter{
		config:     config,
		httpClient: newHTTPClient(config.HTTPTimeout),
		now:        time.Now,
	}
}

func (v *VNPayAdapter) Name() string { return VNPayName }

func (v *VNPayAdapter) BuildCheckout(ctx context.Context, payment *models.Payment, opts CheckoutOptions) (*Checkout, error) {
	minor, err := payment.FinalAmountMinorUnits()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidAmount, err)
	}

	locale := opts.Locale
	if locale != "vn" && locale != "en" {
		locale = "vn"
	}
	ipAddr := opts.ClientIP
	if ipAddr == "" {
		ipAddr = v.config.ServerIP
	}
	orderInfo := opts.OrderInfo
	if orderInfo == "" {
		orderInfo = "Payment for course " + payment.ProductID
	}

	params := map[string]string{
		"vnp_Version":    vnpVersion,
		"vnp_Command":    "pay",
		"vnp_TmnCode":    v.config.TmnCode,
		"vnp_Locale":     locale,
		"vnp_CurrCode":   strings.ToUpper(payment.Currency),
		"vnp_TxnRef":     payment.TransactionID,
		"vnp_OrderInfo":  orderInfo,
		"vnp_OrderType":  "other",
		"vnp_Amount":     strconv.FormatInt(minor*vnpAmountFactor, 10),
		"vnp_ReturnUrl":  v.config.ReturnURL,
		"vnp_IpAddr":     ipAddr,
		"vnp_CreateDate": vnpFormatDate(payment.CreatedAt),
		"vnp_ExpireDate": vnpFormatDate(payment.ExpiresAt),
	}
	if opts.BankCode != "" {
		params["vnp_BankCode"] = opts.BankCode
	}

	signer := HMACSHA512(SortedQuery)
	signature, err := signer.Sign(params, v.config.HashSecret)
	if err != nil {
		return nil, err
	}
	query, err := SortedQuery(params)
	if err != nil {
		return nil, err
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"gateway":        VNPayName,
		"transaction_id": payment.TransactionID,
	}).Info("Created VNPay payment URL")

	return &Checkout{
		RedirectURL: v.config.PaymentURL + "?" + query + "&vnp_SecureHash=" + signature,
		ExpiresAt:   payment.ExpiresAt,
	}, nil
}

// ParseCallback handles both the browser return URL and the IPN; VNPay sends
// the same signed query string to each.
func (v *VNPayAdapter) ParseCallback(r *http.Request) (*Result, error) {
	query := r.URL.Query()
	if len(query) == 0 && r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		query = r.PostForm
	}

	raw := make(map[string]string)
	params := make(map[string]string)
	for k, values := range query {
		if !strings.HasPrefix(k, "vnp_") || len(values) == 0 {
			continue
		}
		raw[k] = values[0]
		if k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		params[k] = values[0]
	}

	provided := raw["vnp_SecureHash"]
	if provided == "" || len(params) == 0 {
		return nil, fmt.Errorf("%w: missing vnp_SecureHash", ErrInvalidSignature)
	}
	if !HMACSHA512(SortedQuery).Verify(params, v.config.HashSecret, provided) {
		return nil, ErrInvalidSignature
	}

	for _, field := range []string{"vnp_TxnRef", "vnp_Amount", "vnp_ResponseCode", "vnp_TransactionStatus"} {
		if params[field] == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedCallback, field)
		}
	}

	amount, err := vnpParseAmount(params["vnp_Amount"])
	if err != nil {
		return nil, err
	}

	responseCode := params["vnp_ResponseCode"]
	result := &Result{
		Gateway:               VNPayName,
		TransactionID:         params["vnp_TxnRef"],
		GatewayTransactionID:  params["vnp_TransactionNo"],
		FinalAmountMinorUnits: amount,
		ResultCode:            responseCode,
		Success:               responseCode == vnpSuccessCode && params["vnp_TransactionStatus"] == vnpSuccessCode,
		Raw:                   raw,
	}

	message, known := vnpResponseMessages[responseCode]
	if !known {
		result.Success = false
		result.Message = "Unknown response code " + responseCode
		return result, fmt.Errorf("%w: vnp_ResponseCode %s", ErrUnknownResultCode, responseCode)
	}
	result.Message = message
	return result, nil
}

func (v *VNPayAdapter) QueryStatus(ctx context.Context, payment *models.Payment) (*Result, error) {
	now := v.now()
	data := map[string]string{
		"vnp_RequestId":  newVNPayRequestID(),
		"vnp_Version":    vnpVersion,
		"vnp_Command":    "querydr",
		"vnp_TmnCode":    v.config.TmnCode,
		"vnp_TxnRef":     payment.TransactionID,
		"vnp_OrderInfo":  "Query transaction " + payment.TransactionID,
		"vnp_TransDate":  vnpFormatDate(payment.CreatedAt),
		"vnp_CreateDate": vnpFormatDate(now),
		"vnp_IpAddr":     v.config.ServerIP,
	}

	signature, err := HMACSHA512(PipeJoined(vnpQueryRequestFields...)).Sign(data, v.config.HashSecret)
	if err != nil {
		return nil, err
	}
	data["vnp_SecureHash"] = signature

	resp, err := postJSON(ctx, v.httpClient, v.config.APIURL, data)
	if err != nil {
		return nil, fmt.Errorf("vnpay querydr %s: %w", payment.TransactionID, err)
	}

	if code := resp["vnp_ResponseCode"]; code != vnpSuccessCode {
		return nil, fmt.Errorf("%w: vnpay querydr %s: code %s: %s", ErrGatewayRejected, payment.TransactionID, code, resp["vnp_Message"])
	}

	signed := make(map[string]string, len(vnpQueryResponseFields))
	for _, field := range vnpQueryResponseFields {
		signed[field] = resp[field]
	}
	if !HMACSHA512(PipeJoined(vnpQueryResponseFields...)).Verify(signed, v.config.HashSecret, resp["vnp_SecureHash"]) {
		return nil, fmt.Errorf("vnpay querydr %s: %w", payment.TransactionID, ErrInvalidSignature)
	}

	amount, err := vnpParseAmount(resp["vnp_Amount"])
	if err != nil {
		return nil, err
	}

	status := resp["vnp_TransactionStatus"]
	result := &Result{
		Gateway:               VNPayName,
		TransactionID:         resp["vnp_TxnRef"],
		GatewayTransactionID:  resp["vnp_TransactionNo"],
		FinalAmountMinorUnits: amount,
		ResultCode:            status,
		Success:               status == vnpSuccessCode,
		Pending:               status == vnpPendingStatus,
		Raw:                   resp,
	}

	message, known := vnpTransactionStatusMessages[status]
	if !known {
		result.Message = "Unknown transaction status " + status
		return result, fmt.Errorf("%w: vnp_TransactionStatus %s", ErrUnknownResultCode, status)
	}
	result.Message = message
	return result, nil
}

func (v *VNPayAdapter) Refund(ctx context.Context, payment *models.Payment, amountMinorUnits int64) error {
	full, err := payment.FinalAmountMinorUnits()
	if err != nil {
		return err
	}
	if amountMinorUnits <= 0 || amountMinorUnits > full {
		return fmt.Errorf("%w: refund amount %d outside (0, %d]", models.ErrInvalidAmount, amountMinorUnits, full)
	}

	transactionType := vnpFullRefund
	if amountMinorUnits < full {
		transactionType = vnpPartialRefund
	}

	data := map[string]string{
		"vnp_RequestId":       vnpRefundRequestID(payment.TransactionID, transactionType, amountMinorUnits),
		"vnp_Version":         vnpVersion,
		"vnp_Command":         "refund",
		"vnp_TmnCode":         v.config.TmnCode,
		"vnp_TransactionType": transactionType,
		"vnp_TxnRef":          payment.TransactionID,
		"vnp_Amount":          strconv.FormatInt(amountMinorUnits*vnpAmountFactor, 10),
		"vnp_OrderInfo":       "Refund for order " + payment.TransactionID,
		"vnp_TransDate":       vnpFormatDate(payment.CreatedAt),
		"vnp_CreateBy":        v.config.CreatedBy,
		"vnp_CreateDate":      vnpFormatDate(v.now()),
		"vnp_IpAddr":          v.config.ServerIP,
	}
	signature, err := HMACSHA512(PipeJoined(vnpRefundRequestFields...)).Sign(data, v.config.HashSecret)
	if err != nil {
		return err
	}
	data["vnp_SecureHash"] = signature

	resp, err := postJSON(ctx, v.httpClient, v.config.APIURL, data)
	if err != nil {
		return fmt.Errorf("vnpay refund %s: %w", payment.TransactionID, err)
	}
	if code := resp["vnp_ResponseCode"]; code != vnpSuccessCode {
		return fmt.Errorf("%w: vnpay refund %s: code %s: %s", ErrGatewayRejected, payment.TransactionID, code, resp["vnp_Message"])
	}
	return nil
}

func (v *VNPayAdapter) Ack(kind AckKind) Ack {
	switch kind {
	case AckReceived:
		return Ack{Status: http.StatusOK, Body: map[string]string{"RspCode": "00", "Message": "Confirm Success"}}
	case AckInvalidSignature:
		return Ack{Status: http.StatusOK, Body: map[string]string{"RspCode": "97", "Message": "Invalid Checksum"}}
	default:
		return Ack{Status: http.StatusOK, Body: map[string]string{"RspCode": "99", "Message": "Unknown error"}}
	}
}

func vnpFormatDate(t time.Time) string {
	return t.In(vnpLocation).Format(vnpDateLayout)
}

func vnpParseAmount(s string) (int64, error) {
	amount, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: vnp_Amount %q", ErrMalformedCallback, s)
	}
	if amount < 0 || amount%vnpAmountFactor != 0 {
		return 0, fmt.Errorf("%w: vnp_Amount %d is not a multiple of %d", ErrMalformedCallback, amount, vnpAmountFactor)
	}
	return amount / vnpAmountFactor, nil
}

// VNPay caps vnp_RequestId at 32 characters.
func newVNPayRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// vnpRefundRequestID is stable per refund so a retried request is a replay
// of the same refund, not a second one.
func vnpRefundRequestID(transactionID, transactionType string, amountMinorUnits int64) string {
	name := fmt.Sprintf("vnpay:refund:%s:%s:%d", transactionID, transactionType, amountMinorUnits)
	return strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String(), "-", "")
}

