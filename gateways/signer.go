package gateways

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"sort"
	"strings"
)

var ErrSignatureInputInvalid = errors.New("invalid signature input")

// Canonicalizer turns a parameter set into the exact byte string a gateway signs.
type Canonicalizer func(params map[string]string) (string, error)

// Signer computes and checks keyed-hash signatures over canonicalized
// parameters. It holds no secrets and is safe for concurrent use.
type Signer struct {
	hash      func() hash.Hash
	canonical Canonicalizer
}

func NewSigner(h func() hash.Hash, canonical Canonicalizer) Signer {
	return Signer{hash: h, canonical: canonical}
}

// HMACSHA512 signs with HMAC-SHA512 (VNPay).
func HMACSHA512(canonical Canonicalizer) Signer {
	return NewSigner(sha512.New, canonical)
}

// HMACSHA256 signs with HMAC-SHA256 (MoMo).
func HMACSHA256(canonical Canonicalizer) Signer {
	return NewSigner(sha256.New, canonical)
}

// Sign returns the lowercase hex signature of params.
func (s Signer) Sign(params map[string]string, secret string) (string, error) {
	mac, err := s.mac(params, secret)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

// Verify recomputes the signature and compares it in constant time. Hex case
// in provided is ignored.
func (s Signer) Verify(params map[string]string, secret, provided string) bool {
	expected, err := s.mac(params, secret)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(provided)))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

func (s Signer) mac(params map[string]string, secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrSignatureInputInvalid)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: no parameters", ErrSignatureInputInvalid)
	}
	data, err := s.canonical(params)
	if err != nil {
		return nil, err
	}

	m := hmac.New(s.hash, []byte(secret))
	m.Write([]byte(data))
	return m.Sum(nil), nil
}

// SortedQuery joins k=v pairs sorted by key with '&'. Values are escaped the
// way VNPay's reference clients do (encodeURIComponent, space as '+').
func SortedQuery(params map[string]string) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(vnpEscape(params[k]))
	}
	return b.String(), nil
}

// FixedOrder joins key=value pairs in the given order with '&'. Every key is
// mandatory; empty values are allowed.
func FixedOrder(keys ...string) Canonicalizer {
	return func(params map[string]string) (string, error) {
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			v, ok := params[k]
			if !ok {
				return "", fmt.Errorf("%w: missing %s", ErrSignatureInputInvalid, k)
			}
			parts = append(parts, k+"="+v)
		}
		return strings.Join(parts, "&"), nil
	}
}

// PipeJoined joins the values of keys in order with '|'.
func PipeJoined(keys ...string) Canonicalizer {
	return func(params map[string]string) (string, error) {
		values := make([]string, 0, len(keys))
		for _, k := range keys {
			v, ok := params[k]
			if !ok {
				return "", fmt.Errorf("%w: missing %s", ErrSignatureInputInvalid, k)
			}
			values = append(values, v)
		}
		return strings.Join(values, "|"), nil
	}
}

// vnpEscape matches JavaScript's encodeURIComponent followed by %20 -> '+'.
func vnpEscape(s string) string {
	escaped := url.QueryEscape(s)
	return jsUnreserved.Replace(escaped)
}

var jsUnreserved = strings.NewReplacer("%21", "!", "%27", "'", "%28", "(", "%29", ")", "%2A", "*")
