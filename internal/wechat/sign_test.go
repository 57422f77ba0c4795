package wechat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Parameters and expected digest from the provider's signature
// debugging tool.
func knownParams() Params {
	return Params{
		"appid":       "wxd930ea5d5a258f4f",
		"mch_id":      "10000100",
		"device_info": "1000",
		"body":        "test",
		"nonce_str":   "ibuaiVcKdpRxkhJA",
	}
}

const knownKey = "192006250b4c09247ec02edce69f6a2d"

func TestSignKnownVector(t *testing.T) {
	sign, err := Sign(knownParams(), knownKey, SignTypeMD5)
	require.NoError(t, err)
	assert.Equal(t, "9A0A8659F005D6984697E2CA0A9CF3B7", sign)
}

func TestSignDeterministic(t *testing.T) {
	first, err := Sign(knownParams(), knownKey, SignTypeMD5)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Sign(knownParams(), knownKey, SignTypeMD5)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSignUppercaseHex(t *testing.T) {
	sign, err := Sign(knownParams(), knownKey, SignTypeMD5)
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(sign), sign)
	assert.Len(t, sign, 32)
}

func TestSignHMACSHA256Length(t *testing.T) {
	sign, err := Sign(knownParams(), knownKey, SignTypeHMACSHA256)
	require.NoError(t, err)
	assert.Len(t, sign, 64)
	assert.Equal(t, strings.ToUpper(sign), sign)
}

func TestSignDifferentKeysDiffer(t *testing.T) {
	a, err := Sign(knownParams(), knownKey, SignTypeMD5)
	require.NoError(t, err)
	b, err := Sign(knownParams(), "another-key", SignTypeMD5)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSignIgnoresExistingSignField(t *testing.T) {
	params := knownParams()
	want, err := Sign(params, knownKey, SignTypeMD5)
	require.NoError(t, err)

	params["sign"] = "SOMETHING_STALE"
	got, err := Sign(params, knownKey, SignTypeMD5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSignDropsEmptyValuesKeepsZero(t *testing.T) {
	params := knownParams()
	base, err := Sign(params, knownKey, SignTypeMD5)
	require.NoError(t, err)

	// An empty value must not participate in the signature.
	params["attach"] = ""
	withEmpty, err := Sign(params, knownKey, SignTypeMD5)
	require.NoError(t, err)
	assert.Equal(t, base, withEmpty)

	// The string "0" is a value, not an absence.
	params["attach"] = "0"
	withZero, err := Sign(params, knownKey, SignTypeMD5)
	require.NoError(t, err)
	assert.NotEqual(t, base, withZero)
}

func TestSignEmptyParams(t *testing.T) {
	_, err := Sign(Params{}, knownKey, SignTypeMD5)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = Sign(Params{"attach": ""}, knownKey, SignTypeMD5)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestSignUnsupportedAlgorithm(t *testing.T) {
	_, err := Sign(knownParams(), knownKey, SignType("SHA1"))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestVerifyRoundTrip(t *testing.T) {
	params := knownParams()
	sign, err := Sign(params, knownKey, SignTypeMD5)
	require.NoError(t, err)

	params["sign"] = sign
	ok, err := Verify(params, knownKey, SignTypeMD5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsTampering(t *testing.T) {
	params := knownParams()
	sign, err := Sign(params, knownKey, SignTypeMD5)
	require.NoError(t, err)
	params["sign"] = sign

	params["body"] = "tampered"
	ok, err := Verify(params, knownKey, SignTypeMD5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyMissingSign(t *testing.T) {
	ok, err := Verify(knownParams(), knownKey, SignTypeMD5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWrongKey(t *testing.T) {
	params := knownParams()
	sign, err := Sign(params, knownKey, SignTypeMD5)
	require.NoError(t, err)
	params["sign"] = sign

	ok, err := Verify(params, "wrong-key", SignTypeMD5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNonceStr(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n := NonceStr()
		assert.Len(t, n, 32)
		for _, r := range n {
			isAlnum := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
			assert.True(t, isAlnum, "unexpected rune %q", r)
		}
		assert.False(t, seen[n], "nonce repeated")
		seen[n] = true
	}
}

func TestTimeFormatRoundTrip(t *testing.T) {
	in := time.Date(2014, 10, 27, 21, 5, 30, 0, time.Local)
	s := FormatTime(in)
	assert.Equal(t, "20141027210530", s)

	out, err := ParseTime(s)
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
}

func TestParseTimeInvalid(t *testing.T) {
	_, err := ParseTime("2014-10-27 21:05:30")
	assert.Error(t, err)
}
