package wechat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"recharge-service/internal/models"
	"recharge-service/internal/util"

	"go.uber.org/zap"
)

// DefaultBaseURL is the production V2 endpoint. The provider retired the
// V2 sandbox; the sandbox setting only switches merchant credentials.
const DefaultBaseURL = "https://api.mch.weixin.qq.com"

const (
	pathUnifiedOrder = "/pay/unifiedorder"
	pathOrderQuery   = "/pay/orderquery"
	pathCloseOrder   = "/pay/closeorder"
)

// Protocol status values for return_code and result_code.
const (
	ReturnCodeSuccess = "SUCCESS"
	ResultCodeSuccess = "SUCCESS"
)

// Gateway trade states.
const (
	TradeStateSuccess    = "SUCCESS"
	TradeStateRefund     = "REFUND"
	TradeStateNotPay     = "NOTPAY"
	TradeStateClosed     = "CLOSED"
	TradeStateRevoked    = "REVOKED"
	TradeStateUserPaying = "USERPAYING"
	TradeStatePayError   = "PAYERROR"
)

// Config carries the merchant credentials and transport settings.
// APIKey must never be logged.
type Config struct {
	AppID     string
	MchID     string
	APIKey    string
	SignType  SignType
	NotifyURL string
	BaseURL   string
	Timeout   time.Duration
}

// Client performs the three V2 gateway operations. Retries are the
// caller's responsibility; the client does one attempt per call.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a gateway client with an explicit request timeout.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: util.GetLogger(),
	}
}

// CreateOrderRequest is the input for a unified (NATIVE/QR) order.
type CreateOrderRequest struct {
	OutTradeNo string
	TotalFee   int64 // fen
	Body       string
	Attach     string
	ClientIP   string
	NotifyURL  string // overrides Config.NotifyURL when set
	TimeExpire time.Time
}

// CreateOrderResult is the success payload of CreateOrder.
type CreateOrderResult struct {
	PrepayID string
	CodeURL  string // QR payload, rendered client-side
}

// CreateOrder issues a unifiedorder call and returns the scannable QR
// payload. Failures come back as *GatewayError, never a fabricated result.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	notifyURL := req.NotifyURL
	if notifyURL == "" {
		notifyURL = c.cfg.NotifyURL
	}

	params := Params{
		"appid":            c.cfg.AppID,
		"mch_id":           c.cfg.MchID,
		"nonce_str":        NonceStr(),
		"sign_type":        string(c.cfg.SignType),
		"body":             req.Body,
		"out_trade_no":     req.OutTradeNo,
		"total_fee":        strconv.FormatInt(req.TotalFee, 10),
		"spbill_create_ip": req.ClientIP,
		"notify_url":       notifyURL,
		"trade_type":       "NATIVE",
	}
	if req.Attach != "" {
		params["attach"] = req.Attach
	}
	if !req.TimeExpire.IsZero() {
		params["time_expire"] = FormatTime(req.TimeExpire)
	}

	resp, err := c.call(ctx, pathUnifiedOrder, params)
	if err != nil {
		return nil, err
	}

	return &CreateOrderResult{
		PrepayID: resp["prepay_id"],
		CodeURL:  resp["code_url"],
	}, nil
}

// OrderSnapshot is the result of an orderquery call.
type OrderSnapshot struct {
	TradeState     string
	TradeStateDesc string
	OutTradeNo     string
	TransactionID  string
	TotalFee       int64
	TimeEnd        time.Time
	Attach         string
}

// Status maps the gateway trade state to the local order status.
func (s *OrderSnapshot) Status() string {
	return MapTradeState(s.TradeState)
}

// QueryOrder fetches the gateway's view of an order by merchant order number.
func (c *Client) QueryOrder(ctx context.Context, outTradeNo string) (*OrderSnapshot, error) {
	params := Params{
		"appid":        c.cfg.AppID,
		"mch_id":       c.cfg.MchID,
		"out_trade_no": outTradeNo,
		"nonce_str":    NonceStr(),
		"sign_type":    string(c.cfg.SignType),
	}

	resp, err := c.call(ctx, pathOrderQuery, params)
	if err != nil {
		return nil, err
	}

	snap := &OrderSnapshot{
		TradeState:     resp["trade_state"],
		TradeStateDesc: resp["trade_state_desc"],
		OutTradeNo:     resp["out_trade_no"],
		TransactionID:  resp["transaction_id"],
		Attach:         resp["attach"],
	}
	if fee := resp["total_fee"]; fee != "" {
		snap.TotalFee, _ = strconv.ParseInt(fee, 10, 64)
	}
	if end := resp["time_end"]; end != "" {
		if t, err := ParseTime(end); err == nil {
			snap.TimeEnd = t
		}
	}

	return snap, nil
}

// CloseOrder closes an unpaid order at the gateway. Closing an order
// that is already paid, already closed or unknown is expected under
// races and reported as success.
func (c *Client) CloseOrder(ctx context.Context, outTradeNo string) error {
	params := Params{
		"appid":        c.cfg.AppID,
		"mch_id":       c.cfg.MchID,
		"out_trade_no": outTradeNo,
		"nonce_str":    NonceStr(),
		"sign_type":    string(c.cfg.SignType),
	}

	_, err := c.call(ctx, pathCloseOrder, params)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Kind == KindBusiness {
			switch gwErr.Code {
			case ErrCodeOrderPaid, ErrCodeOrderClosed, ErrCodeOrderNotExist:
				c.logger.Info("Close order no-op",
					zap.String("out_trade_no", outTradeNo),
					zap.String("code", gwErr.Code))
				return nil
			}
		}
		return err
	}
	return nil
}

// call signs, encodes, POSTs and validates one gateway request.
func (c *Client) call(ctx context.Context, path string, params Params) (Params, error) {
	sign, err := Sign(params, c.cfg.APIKey, c.cfg.SignType)
	if err != nil {
		return nil, err
	}
	params["sign"] = sign

	body := Encode(params)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, transportError(err)
	}
	httpReq.Header.Set("Content-Type", "application/xml; charset=utf-8")
	httpReq.Header.Set("Accept", "application/xml")

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	util.GatewayRequestLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		util.GatewayRequestsFailed.WithLabelValues(path, "transport").Inc()
		return nil, transportError(err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		util.GatewayRequestsFailed.WithLabelValues(path, "transport").Inc()
		return nil, transportError(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		util.GatewayRequestsFailed.WithLabelValues(path, "http_status").Inc()
		return nil, transportError(fmt.Errorf("unexpected HTTP status %d", httpResp.StatusCode))
	}

	resp, err := Decode(string(raw))
	if err != nil {
		util.GatewayRequestsFailed.WithLabelValues(path, "malformed").Inc()
		return nil, err
	}

	if resp["return_code"] != ReturnCodeSuccess {
		util.GatewayRequestsFailed.WithLabelValues(path, "communication").Inc()
		return nil, businessError(resp["return_code"], resp["return_msg"], string(raw))
	}

	// Do not trust anything below without a matching signature.
	if resp["sign"] != "" {
		ok, err := Verify(resp, c.cfg.APIKey, c.cfg.SignType)
		if err != nil {
			return nil, err
		}
		if !ok {
			util.GatewayRequestsFailed.WithLabelValues(path, "signature").Inc()
			c.logger.Error("Gateway response signature mismatch",
				zap.String("path", path),
				zap.String("return_code", resp["return_code"]))
			return nil, signatureMismatch(string(raw))
		}
	}

	if resp["result_code"] != ResultCodeSuccess {
		util.GatewayRequestsFailed.WithLabelValues(path, "business").Inc()
		return nil, businessError(resp["err_code"], resp["err_code_des"], string(raw))
	}

	return resp, nil
}

// MapTradeState maps the gateway's trade-state vocabulary onto the local
// order status. REFUND implies the payment had succeeded.
func MapTradeState(state string) string {
	switch state {
	case TradeStateSuccess, TradeStateRefund:
		return models.OrderStatusPaid
	case TradeStateNotPay, TradeStateUserPaying:
		return models.OrderStatusPending
	case TradeStateClosed, TradeStateRevoked:
		return models.OrderStatusClosed
	case TradeStatePayError:
		return models.OrderStatusFailed
	default:
		return models.OrderStatusPending
	}
}
