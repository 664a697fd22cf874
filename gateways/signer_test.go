package gateways

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortedQuery(t *testing.T) {
	got, err := SortedQuery(map[string]string{
		"vnp_OrderInfo": "Thanh toan khoa hoc",
		"vnp_Amount":    "99900000",
		"vnp_Command":   "pay",
		"vnp_ReturnUrl": "https://example.com/return?a=1",
	})
	require.NoError(t, err)
	assert.Equal(t, "vnp_Amount=99900000&vnp_Command=pay&vnp_OrderInfo=Thanh+toan+khoa+hoc&vnp_ReturnUrl=https%3A%2F%2Fexample.com%2Freturn%3Fa%3D1", got)
}

func TestVNPEscapeMatchesEncodeURIComponent(t *testing.T) {
	tests := map[string]string{
		"a b":         "a+b",
		"(x)!*'~-_.":  "(x)!*'~-_.",
		"a/b:c@d":     "a%2Fb%3Ac%40d",
		"100%":        "100%25",
		"Khóa học Go": "Kh%C3%B3a+h%E1%BB%8Dc+Go",
	}
	for in, want := range tests {
		assert.Equal(t, want, vnpEscape(in), in)
	}
}

func TestFixedOrderAndPipeJoined(t *testing.T) {
	params := map[string]string{"b": "2", "a": "1", "c": ""}

	got, err := FixedOrder("b", "a", "c")(params)
	require.NoError(t, err)
	assert.Equal(t, "b=2&a=1&c=", got)

	got, err = PipeJoined("c", "a", "b")(params)
	require.NoError(t, err)
	assert.Equal(t, "|1|2", got)

	_, err = FixedOrder("a", "missing")(params)
	assert.ErrorIs(t, err, ErrSignatureInputInvalid)

	_, err = PipeJoined("missing")(params)
	assert.ErrorIs(t, err, ErrSignatureInputInvalid)
}

func TestSignKnownVectors(t *testing.T) {
	momo := HMACSHA256(FixedOrder(momoCreateFields...))
	sig, err := momo.Sign(map[string]string{
		"accessKey":   "F8BBA842ECF85",
		"amount":      "50000",
		"extraData":   "",
		"ipnUrl":      "https://example.com/ipn",
		"orderId":     "TXN-1",
		"orderInfo":   "pay with MoMo",
		"partnerCode": "MOMO",
		"redirectUrl": "https://example.com/return",
		"requestId":   "TXN-1",
		"requestType": "captureWallet",
	}, "K951B6PE1waDMi640xX08PD3vg6EkVlz")
	require.NoError(t, err)
	assert.Equal(t, "04f7a98efcc1283b2459599cd7910979febfb86c86eb1ea515cee3b28c09b331", sig)

	vnpay := HMACSHA512(SortedQuery)
	sig, err = vnpay.Sign(map[string]string{
		"vnp_OrderInfo": "Thanh toan khoa hoc",
		"vnp_Command":   "pay",
		"vnp_Amount":    "99900000",
	}, "secret")
	require.NoError(t, err)
	assert.Equal(t, "5e9466c4708acc78d989e664a65c814234cc1a6866a6652b18463dac452af0b0fe4330e2e1222e221693858666956845b253a9af4f3127f2cec4b798d18bb6cd", sig)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	params := map[string]string{
		"vnp_TxnRef":            "TXN-ABC",
		"vnp_Amount":            "99900000",
		"vnp_ResponseCode":      "00",
		"vnp_TransactionStatus": "00",
		"vnp_OrderInfo":         "Payment for course go-101",
	}

	signers := map[string]Signer{
		"sha512 sorted": HMACSHA512(SortedQuery),
		"sha256 fixed":  HMACSHA256(FixedOrder("vnp_Amount", "vnp_OrderInfo", "vnp_ResponseCode", "vnp_TransactionStatus", "vnp_TxnRef")),
		"sha512 pipe":   HMACSHA512(PipeJoined("vnp_TxnRef", "vnp_Amount", "vnp_ResponseCode", "vnp_TransactionStatus", "vnp_OrderInfo")),
	}

	for name, signer := range signers {
		t.Run(name, func(t *testing.T) {
			sig, err := signer.Sign(params, "top-secret")
			require.NoError(t, err)
			assert.Equal(t, strings.ToLower(sig), sig)
			assert.True(t, signer.Verify(params, "top-secret", sig))
			assert.True(t, signer.Verify(params, "top-secret", strings.ToUpper(sig)))
			assert.False(t, signer.Verify(params, "other-secret", sig))
			assert.False(t, signer.Verify(params, "top-secret", "not-hex"))
			assert.False(t, signer.Verify(params, "top-secret", ""))

			// Flipping any byte of any signed value must break verification.
			for key, value := range params {
				for i := 0; i < len(value); i++ {
					tampered := copyParams(params)
					b := []byte(value)
					b[i] ^= 0x01
					tampered[key] = string(b)
					assert.False(t, signer.Verify(tampered, "top-secret", sig), "%s[%d]", key, i)
				}
			}
		})
	}
}

func TestSignRejectsInvalidInput(t *testing.T) {
	signer := HMACSHA512(SortedQuery)

	_, err := signer.Sign(map[string]string{}, "secret")
	assert.ErrorIs(t, err, ErrSignatureInputInvalid)

	_, err = signer.Sign(map[string]string{"a": "1"}, "")
	assert.ErrorIs(t, err, ErrSignatureInputInvalid)

	_, err = HMACSHA256(FixedOrder("a", "b")).Sign(map[string]string{"a": "1"}, "secret")
	assert.ErrorIs(t, err, ErrSignatureInputInvalid)
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
