package wechat

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"
)

// SignType selects the signature algorithm of the V2 protocol.
type SignType string

const (
	SignTypeMD5        SignType = "MD5"
	SignTypeHMACSHA256 SignType = "HMAC-SHA256"
)

var (
	// ErrInvalidParameters means there was nothing left to sign after filtering.
	ErrInvalidParameters = errors.New("wechat: no signable parameters")

	// ErrUnsupportedAlgorithm means the sign type is not MD5 or HMAC-SHA256.
	ErrUnsupportedAlgorithm = errors.New("wechat: unsupported sign type")
)

// Params is the flat key/value map the V2 protocol signs and serializes.
type Params map[string]string

// Sign computes the V2 signature over params: drop the sign field and
// empty values, sort keys byte-wise ascending, join as k=v&k=v, append
// &key=<apiKey>, hash, uppercase hex. A literal "0" is a value like any
// other and is never filtered.
func Sign(params Params, apiKey string, signType SignType) (string, error) {
	filtered := filterParams(params)
	if len(filtered) == 0 {
		return "", ErrInvalidParameters
	}

	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(filtered[k])
	}
	sb.WriteString("&key=")
	sb.WriteString(apiKey)

	switch signType {
	case SignTypeMD5:
		sum := md5.Sum([]byte(sb.String()))
		return strings.ToUpper(hex.EncodeToString(sum[:])), nil
	case SignTypeHMACSHA256:
		mac := hmac.New(sha256.New, []byte(apiKey))
		mac.Write([]byte(sb.String()))
		return strings.ToUpper(hex.EncodeToString(mac.Sum(nil))), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, signType)
	}
}

// Verify recomputes the signature over params (excluding sign) and
// compares it exact-match against the provided sign field.
func Verify(params Params, apiKey string, signType SignType) (bool, error) {
	provided, ok := params["sign"]
	if !ok || provided == "" {
		return false, nil
	}

	expected, err := Sign(params, apiKey, signType)
	if err != nil {
		return false, err
	}

	return provided == expected, nil
}

// filterParams drops the sign field and empty values. Only empty strings
// count as empty; "0" and "false" are kept.
func filterParams(params Params) Params {
	filtered := make(Params, len(params))
	for k, v := range params {
		if k == "sign" || v == "" {
			continue
		}
		filtered[k] = v
	}
	return filtered
}

const nonceChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NonceStr returns a 32-character random string for the nonce_str field.
func NonceStr() string {
	b := make([]byte, 32)
	max := big.NewInt(int64(len(nonceChars)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken
			b[i] = nonceChars[i%len(nonceChars)]
			continue
		}
		b[i] = nonceChars[n.Int64()]
	}
	return string(b)
}

const timeLayout = "20060102150405"

// FormatTime renders t in the yyyyMMddHHmmss format the gateway expects.
func FormatTime(t time.Time) string {
	return t.Format(timeLayout)
}

// ParseTime parses a gateway yyyyMMddHHmmss timestamp such as time_end.
func ParseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid gateway timestamp %q: %w", s, err)
	}
	return t, nil
}
