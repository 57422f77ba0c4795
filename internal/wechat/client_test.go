package wechat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"recharge-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "192006250b4c09247ec02edce69f6a2d"

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(Config{
		AppID:     "wxd930ea5d5a258f4f",
		MchID:     "10000100",
		APIKey:    testAPIKey,
		SignType:  SignTypeMD5,
		NotifyURL: "http://localhost:8080/api/v1/payment/notify/wechat",
		BaseURL:   srv.URL,
		Timeout:   5 * time.Second,
	})
}

// signedBody builds a response body carrying a valid signature.
func signedBody(t *testing.T, params Params) string {
	t.Helper()
	sign, err := Sign(params, testAPIKey, SignTypeMD5)
	require.NoError(t, err)
	params["sign"] = sign
	return Encode(params)
}

func decodeRequest(t *testing.T, r *http.Request) Params {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	params, err := Decode(string(raw))
	require.NoError(t, err)
	return params
}

func TestCreateOrderSuccess(t *testing.T) {
	var gotPath string
	var gotReq Params

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotReq = decodeRequest(t, r)

		io.WriteString(w, signedBody(t, Params{
			"return_code": "SUCCESS",
			"result_code": "SUCCESS",
			"appid":       "wxd930ea5d5a258f4f",
			"mch_id":      "10000100",
			"nonce_str":   "respnonce",
			"trade_type":  "NATIVE",
			"prepay_id":   "wx201410272009395522657a690389285100",
			"code_url":    "weixin://wxpay/bizpayurl?pr=abc123",
		}))
	})

	result, err := client.CreateOrder(context.Background(), CreateOrderRequest{
		OutTradeNo: "REC17000000000001234",
		TotalFee:   990,
		Body:       "Starter - 110 points",
		ClientIP:   "203.0.113.9",
	})
	require.NoError(t, err)
	assert.Equal(t, "wx201410272009395522657a690389285100", result.PrepayID)
	assert.Equal(t, "weixin://wxpay/bizpayurl?pr=abc123", result.CodeURL)

	assert.Equal(t, "/pay/unifiedorder", gotPath)
	assert.Equal(t, "NATIVE", gotReq["trade_type"])
	assert.Equal(t, "990", gotReq["total_fee"])
	assert.Equal(t, "REC17000000000001234", gotReq["out_trade_no"])
	assert.NotEmpty(t, gotReq["nonce_str"])

	// The request itself must carry a valid signature.
	ok, err := Verify(gotReq, testAPIKey, SignTypeMD5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateOrderBusinessError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, signedBody(t, Params{
			"return_code":  "SUCCESS",
			"result_code":  "FAIL",
			"err_code":     ErrCodeOutTradeNoUsed,
			"err_code_des": "商户订单号重复",
			"nonce_str":    "respnonce",
		}))
	})

	_, err := client.CreateOrder(context.Background(), CreateOrderRequest{
		OutTradeNo: "REC17000000000001234",
		TotalFee:   990,
		Body:       "Starter",
	})
	require.Error(t, err)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, KindBusiness, gwErr.Kind)
	assert.Equal(t, ErrCodeOutTradeNoUsed, gwErr.Code)
	assert.False(t, gwErr.Retryable())
}

func TestCreateOrderCommunicationFailure(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, Encode(Params{
			"return_code": "FAIL",
			"return_msg":  "appid不存在",
		}))
	})

	_, err := client.CreateOrder(context.Background(), CreateOrderRequest{
		OutTradeNo: "REC1",
		TotalFee:   1,
		Body:       "test",
	})
	require.Error(t, err)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "FAIL", gwErr.Code)
}

func TestCreateOrderSignatureMismatchIsFatal(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		params := Params{
			"return_code": "SUCCESS",
			"result_code": "SUCCESS",
			"prepay_id":   "forged",
			"nonce_str":   "respnonce",
			"sign":        "0000000000000000000000000000DEAD",
		}
		io.WriteString(w, Encode(params))
	})

	_, err := client.CreateOrder(context.Background(), CreateOrderRequest{
		OutTradeNo: "REC1",
		TotalFee:   1,
		Body:       "test",
	})
	require.Error(t, err)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, KindSignatureMismatch, gwErr.Kind)
	assert.False(t, gwErr.Retryable())
}

func TestCreateOrderMalformedResponse(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>502 Bad Gateway</html>")
	})

	_, err := client.CreateOrder(context.Background(), CreateOrderRequest{
		OutTradeNo: "REC1",
		TotalFee:   1,
		Body:       "test",
	})
	require.Error(t, err)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, KindMalformedResponse, gwErr.Kind)
	assert.True(t, gwErr.Retryable())
}

func TestCreateOrderTransportError(t *testing.T) {
	client := NewClient(Config{
		AppID:    "wxd930ea5d5a258f4f",
		MchID:    "10000100",
		APIKey:   testAPIKey,
		SignType: SignTypeMD5,
		BaseURL:  "http://127.0.0.1:1", // nothing listens here
		Timeout:  time.Second,
	})

	_, err := client.CreateOrder(context.Background(), CreateOrderRequest{
		OutTradeNo: "REC1",
		TotalFee:   1,
		Body:       "test",
	})
	require.Error(t, err)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, KindTransport, gwErr.Kind)
	assert.True(t, gwErr.Retryable())
}

func TestQueryOrderPaid(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pay/orderquery", r.URL.Path)
		io.WriteString(w, signedBody(t, Params{
			"return_code":    "SUCCESS",
			"result_code":    "SUCCESS",
			"trade_state":    "SUCCESS",
			"out_trade_no":   "REC17000000000001234",
			"transaction_id": "4200001234202608301234567890",
			"total_fee":      "990",
			"time_end":       "20260830143000",
			"nonce_str":      "respnonce",
		}))
	})

	snap, err := client.QueryOrder(context.Background(), "REC17000000000001234")
	require.NoError(t, err)
	assert.Equal(t, TradeStateSuccess, snap.TradeState)
	assert.Equal(t, models.OrderStatusPaid, snap.Status())
	assert.Equal(t, "4200001234202608301234567890", snap.TransactionID)
	assert.Equal(t, int64(990), snap.TotalFee)
	assert.Equal(t, "20260830143000", FormatTime(snap.TimeEnd))
}

func TestCloseOrderIdempotentNoOps(t *testing.T) {
	for _, code := range []string{ErrCodeOrderPaid, ErrCodeOrderClosed, ErrCodeOrderNotExist} {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/pay/closeorder", r.URL.Path)
			io.WriteString(w, signedBody(t, Params{
				"return_code": "SUCCESS",
				"result_code": "FAIL",
				"err_code":    code,
				"nonce_str":   "respnonce",
			}))
		})

		err := client.CloseOrder(context.Background(), "REC1")
		assert.NoError(t, err, "code %s", code)
	}
}

func TestCloseOrderRealFailure(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, signedBody(t, Params{
			"return_code": "SUCCESS",
			"result_code": "FAIL",
			"err_code":    ErrCodeSystemError,
			"nonce_str":   "respnonce",
		}))
	})

	err := client.CloseOrder(context.Background(), "REC1")
	require.Error(t, err)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, ErrCodeSystemError, gwErr.Code)
	assert.True(t, gwErr.Retryable())
}

func TestMapTradeState(t *testing.T) {
	cases := map[string]string{
		TradeStateSuccess:    models.OrderStatusPaid,
		TradeStateRefund:     models.OrderStatusPaid,
		TradeStateNotPay:     models.OrderStatusPending,
		TradeStateUserPaying: models.OrderStatusPending,
		TradeStateClosed:     models.OrderStatusClosed,
		TradeStateRevoked:    models.OrderStatusClosed,
		TradeStatePayError:   models.OrderStatusFailed,
		"SOMETHING_NEW":      models.OrderStatusPending,
	}

	for state, want := range cases {
		assert.Equal(t, want, MapTradeState(state), "state %s", state)
	}
}
