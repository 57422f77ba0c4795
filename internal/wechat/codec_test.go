package wechat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Params{
		"appid":        "wxd930ea5d5a258f4f",
		"mch_id":       "10000100",
		"nonce_str":    "ibuaiVcKdpRxkhJA",
		"out_trade_no": "REC17000000000001234",
		"total_fee":    "990",
		"sign":         "9A0A8659F005D6984697E2CA0A9CF3B7",
	}

	body := Encode(in)
	out, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeDeterministicOrder(t *testing.T) {
	p := Params{"b": "2", "a": "1", "c": "3"}
	assert.Equal(t, "<xml><a><![CDATA[1]]></a><b><![CDATA[2]]></b><c><![CDATA[3]]></c></xml>", Encode(p))
}

func TestEncodeSpecialCharacters(t *testing.T) {
	in := Params{
		"body":   "points & <bonus>",
		"attach": `{"orderNo":"PAY1","userId":7}`,
	}

	body := Encode(in)
	out, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, in["body"], out["body"])
	assert.Equal(t, in["attach"], out["attach"])
}

func TestDecodePlainTextValues(t *testing.T) {
	// Real gateway responses mix CDATA and bare text nodes.
	body := `<xml>
		<return_code><![CDATA[SUCCESS]]></return_code>
		<total_fee>990</total_fee>
	</xml>`

	out, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", out["return_code"])
	assert.Equal(t, "990", out["total_fee"])
}

func TestDecodeMalformed(t *testing.T) {
	for _, body := range []string{
		"",
		"not xml at all",
		"<xml><unclosed>",
		"<xml></xml>",
	} {
		_, err := Decode(body)
		require.Error(t, err, "body %q", body)

		var gwErr *GatewayError
		require.True(t, errors.As(err, &gwErr))
		assert.Equal(t, KindMalformedResponse, gwErr.Kind)
		assert.Equal(t, body, gwErr.Raw)
	}
}

func TestAckBodies(t *testing.T) {
	ok, err := Decode(AckSuccess())
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", ok["return_code"])
	assert.Equal(t, "OK", ok["return_msg"])

	fail, err := Decode(AckFail("signature verification failed"))
	require.NoError(t, err)
	assert.Equal(t, "FAIL", fail["return_code"])
	assert.Equal(t, "signature verification failed", fail["return_msg"])

	blank, err := Decode(AckFail(""))
	require.NoError(t, err)
	assert.Equal(t, "FAIL", blank["return_code"])
	assert.Equal(t, "FAIL", blank["return_msg"])
}
