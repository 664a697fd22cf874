package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/yeremiapane/course-settlement/models"
)

var (
	ErrInvalidSignature   = errors.New("invalid gateway signature")
	ErrMalformedCallback  = errors.New("malformed gateway callback")
	ErrUnknownResultCode  = errors.New("unknown gateway result code")
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")
	ErrGatewayRejected    = errors.New("payment gateway rejected request")
	ErrUnknownGateway     = errors.New("unknown payment gateway")
)

const DefaultHTTPTimeout = 5 * time.Second

// Adapter hides one payment gateway's wire format behind a common shape.
type Adapter interface {
	Name() string
	// BuildCheckout returns where the payer must be sent to pay.
	BuildCheckout(ctx context.Context, payment *models.Payment, opts CheckoutOptions) (*Checkout, error)
	// ParseCallback verifies a return-URL or IPN request. On ErrUnknownResultCode
	// the returned Result is still usable and reports a failure.
	ParseCallback(r *http.Request) (*Result, error)
	QueryStatus(ctx context.Context, payment *models.Payment) (*Result, error)
	Refund(ctx context.Context, payment *models.Payment, amountMinorUnits int64) error
	Ack(kind AckKind) Ack
}

type CheckoutOptions struct {
	ClientIP  string
	Locale    string
	BankCode  string
	OrderInfo string
}

type Checkout struct {
	RedirectURL string    `json:"redirect_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Result is a gateway outcome normalized across gateways.
type Result struct {
	Gateway               string
	TransactionID         string
	GatewayTransactionID  string
	FinalAmountMinorUnits int64
	ResultCode            string
	Message               string
	Success               bool
	Pending               bool
	Raw                   map[string]string
}

// Settlement converts the result into the input of the payment state machine.
func (r *Result) Settlement() models.Settlement {
	var payload []byte
	if len(r.Raw) > 0 {
		payload, _ = json.Marshal(r.Raw)
	}
	return models.Settlement{
		Gateway:              r.Gateway,
		GatewayTransactionID: r.GatewayTransactionID,
		AmountMinorUnits:     r.FinalAmountMinorUnits,
		ResultCode:           r.ResultCode,
		Message:              r.Message,
		Success:              r.Success,
		Pending:              r.Pending,
		Payload:              payload,
	}
}

type AckKind int

const (
	AckReceived AckKind = iota
	AckInvalidSignature
	AckRetry
)

// Ack is the exact HTTP response a gateway expects from a callback. A nil
// Body means no body.
type Ack struct {
	Status int
	Body   any
}

// Registry resolves adapters by gateway name. It is built once at startup
// and only read afterwards.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends payload and returns the flattened JSON object the gateway
// answered with. Transport failures map to ErrGatewayUnreachable, refusals
// at the HTTP level to ErrGatewayRejected.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) (map[string]string, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: error reading response: %v", ErrGatewayUnreachable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrGatewayUnreachable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, string(body))
	}

	fields, err := decodeFlatJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
	return fields, nil
}

const maxBodySize = 1 << 20

// decodeFlatJSON decodes a JSON object into string values. Numbers keep
// their literal text so large ids and amounts survive unchanged.
func decodeFlatJSON(r io.Reader) (map[string]string, error) {
	dec := json.NewDecoder(io.LimitReader(r, maxBodySize))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("error decoding json: %w", err)
	}

	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case nil:
			fields[k] = ""
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		case bool:
			fields[k] = strconv.FormatBool(val)
		default:
			nested, err := json.Marshal(val)
			if err != nil {
				return nil, err
			}
			fields[k] = string(nested)
		}
	}
	return fields, nil
}
