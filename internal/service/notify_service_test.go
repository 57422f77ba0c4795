package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"recharge-service/internal/models"
	"recharge-service/internal/store"
	"recharge-service/internal/wechat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const notifyTestKey = "192006250b4c09247ec02edce69f6a2d"

// fakeLedger implements orderLedger in memory with the same transition
// and idempotency rules as the real store. The mutex stands in for the
// row lock: concurrent settlements serialize on it just as they would
// on SELECT ... FOR UPDATE.
type fakeLedger struct {
	mu          sync.Mutex
	orders      map[string]*models.Order
	settleCalls int
	credits     int
}

func newFakeLedger(orders ...*models.Order) *fakeLedger {
	fl := &fakeLedger{orders: make(map[string]*models.Order)}
	for _, o := range orders {
		fl.orders[o.OutTradeNo] = o
	}
	return fl
}

func (f *fakeLedger) GetOrderByOutTradeNo(_ context.Context, outTradeNo string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	order, ok := f.orders[outTradeNo]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (f *fakeLedger) SettlePayment(_ context.Context, outTradeNo, transactionID string, paidAt time.Time) (*store.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.settleCalls++

	order, ok := f.orders[outTradeNo]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if order.Status == models.OrderStatusPaid {
		copied := *order
		return &store.SettlementResult{Order: &copied, Credited: false}, nil
	}
	if models.IsTerminalStatus(order.Status) {
		return nil, store.ErrInvalidTransition
	}

	order.Status = models.OrderStatusPaid
	order.TransactionID.String = transactionID
	order.TransactionID.Valid = true
	order.PaidAt.Time = paidAt
	order.PaidAt.Valid = true
	f.credits++

	copied := *order
	return &store.SettlementResult{
		Order:        &copied,
		Credited:     true,
		Points:       order.Points + order.BonusPoints,
		BalanceAfter: order.Points + order.BonusPoints,
	}, nil
}

func (f *fakeLedger) TransitionToTerminal(_ context.Context, outTradeNo, status, reason string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	order, ok := f.orders[outTradeNo]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if models.IsTerminalStatus(order.Status) {
		return nil, store.ErrInvalidTransition
	}
	order.Status = status
	order.FailReason.String = reason
	order.FailReason.Valid = true
	copied := *order
	return &copied, nil
}

type fakeEvents struct {
	mu       sync.Mutex
	paid     []*models.OrderPaidEvent
	credited []*models.PointsCreditedEvent
}

func (f *fakeEvents) PublishOrderPaid(_ context.Context, event *models.OrderPaidEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid = append(f.paid, event)
	return nil
}

func (f *fakeEvents) PublishPointsCredited(_ context.Context, event *models.PointsCreditedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credited = append(f.credited, event)
	return nil
}

func pendingOrder() *models.Order {
	return &models.Order{
		ID:          1,
		OrderNo:     "PAY17000000000009999",
		OutTradeNo:  "REC17000000000001234",
		UserID:      7,
		PackageID:   1,
		AmountFen:   990,
		Points:      100,
		BonusPoints: 10,
		Status:      models.OrderStatusPending,
		ExpireAt:    time.Now().Add(30 * time.Minute),
	}
}

// successNotify builds a signed payment-success notification body.
func successNotify(t *testing.T, mutate func(wechat.Params)) []byte {
	t.Helper()
	params := wechat.Params{
		"return_code":    "SUCCESS",
		"result_code":    "SUCCESS",
		"appid":          "wxd930ea5d5a258f4f",
		"mch_id":         "10000100",
		"nonce_str":      "ibuaiVcKdpRxkhJA",
		"out_trade_no":   "REC17000000000001234",
		"transaction_id": "4200001234202608301234567890",
		"total_fee":      "990",
		"time_end":       "20260830143000",
	}
	if mutate != nil {
		mutate(params)
	}
	sign, err := wechat.Sign(params, notifyTestKey, wechat.SignTypeMD5)
	require.NoError(t, err)
	params["sign"] = sign
	return []byte(wechat.Encode(params))
}

func ackCode(t *testing.T, ack string) string {
	t.Helper()
	params, err := wechat.Decode(ack)
	require.NoError(t, err)
	return params["return_code"]
}

func newTestNotifyService(ledger orderLedger, events eventSink) *NotifyService {
	return NewNotifyService(ledger, nil, events, notifyTestKey, wechat.SignTypeMD5)
}

func TestHandleNotifySuccess(t *testing.T) {
	ledger := newFakeLedger(pendingOrder())
	events := &fakeEvents{}
	svc := newTestNotifyService(ledger, events)

	ack := svc.HandleNotify(context.Background(), successNotify(t, nil))

	assert.Equal(t, "SUCCESS", ackCode(t, ack))
	assert.Equal(t, 1, ledger.credits)
	assert.Equal(t, models.OrderStatusPaid, ledger.orders["REC17000000000001234"].Status)

	require.Len(t, events.paid, 1)
	assert.Equal(t, "PAY17000000000009999", events.paid[0].OrderNo)
	assert.Equal(t, 110, events.paid[0].Points)
	require.Len(t, events.credited, 1)
	assert.Equal(t, 110, events.credited[0].Amount)
}

func TestHandleNotifyReplayCreditsOnce(t *testing.T) {
	ledger := newFakeLedger(pendingOrder())
	svc := newTestNotifyService(ledger, &fakeEvents{})

	body := successNotify(t, nil)
	for i := 0; i < 5; i++ {
		ack := svc.HandleNotify(context.Background(), body)
		assert.Equal(t, "SUCCESS", ackCode(t, ack))
	}

	assert.Equal(t, 1, ledger.credits)
}

func TestHandleNotifyConcurrentCreditsOnce(t *testing.T) {
	ledger := newFakeLedger(pendingOrder())
	events := &fakeEvents{}
	svc := newTestNotifyService(ledger, events)

	body := successNotify(t, nil)

	const workers = 8
	acks := make([]string, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			acks[i] = svc.HandleNotify(context.Background(), body)
		}(i)
	}
	wg.Wait()

	// Every delivery is acknowledged, exactly one credits.
	for i, ack := range acks {
		assert.Equal(t, "SUCCESS", ackCode(t, ack), "delivery %d", i)
	}
	assert.Equal(t, 1, ledger.credits)
	assert.Equal(t, models.OrderStatusPaid, ledger.orders["REC17000000000001234"].Status)
	assert.Len(t, events.paid, 1)
	assert.Len(t, events.credited, 1)
}

func TestHandleNotifyBadSignature(t *testing.T) {
	ledger := newFakeLedger(pendingOrder())
	svc := newTestNotifyService(ledger, &fakeEvents{})

	body := successNotify(t, nil)
	tampered, err := wechat.Decode(string(body))
	require.NoError(t, err)
	tampered["total_fee"] = "1"
	ack := svc.HandleNotify(context.Background(), []byte(wechat.Encode(tampered)))

	assert.Equal(t, "FAIL", ackCode(t, ack))
	assert.Equal(t, 0, ledger.settleCalls)
	assert.Equal(t, models.OrderStatusPending, ledger.orders["REC17000000000001234"].Status)
}

func TestHandleNotifyMissingSignature(t *testing.T) {
	ledger := newFakeLedger(pendingOrder())
	svc := newTestNotifyService(ledger, &fakeEvents{})

	params := wechat.Params{
		"return_code":  "SUCCESS",
		"result_code":  "SUCCESS",
		"out_trade_no": "REC17000000000001234",
		"total_fee":    "990",
	}
	ack := svc.HandleNotify(context.Background(), []byte(wechat.Encode(params)))

	assert.Equal(t, "FAIL", ackCode(t, ack))
	assert.Equal(t, 0, ledger.settleCalls)
}

func TestHandleNotifyMalformedBody(t *testing.T) {
	svc := newTestNotifyService(newFakeLedger(), &fakeEvents{})

	ack := svc.HandleNotify(context.Background(), []byte("this is not xml"))
	assert.Equal(t, "FAIL", ackCode(t, ack))
}

func TestHandleNotifyCommunicationFailure(t *testing.T) {
	ledger := newFakeLedger(pendingOrder())
	svc := newTestNotifyService(ledger, &fakeEvents{})

	body := wechat.Encode(wechat.Params{
		"return_code": "FAIL",
		"return_msg":  "params error",
	})
	ack := svc.HandleNotify(context.Background(), []byte(body))

	// Nothing to act on; acknowledged so the gateway stops resending.
	assert.Equal(t, "SUCCESS", ackCode(t, ack))
	assert.Equal(t, 0, ledger.settleCalls)
}

func TestHandleNotifyUnknownOrder(t *testing.T) {
	svc := newTestNotifyService(newFakeLedger(), &fakeEvents{})

	ack := svc.HandleNotify(context.Background(), successNotify(t, nil))
	assert.Equal(t, "FAIL", ackCode(t, ack))
}

func TestHandleNotifyAmountMismatch(t *testing.T) {
	ledger := newFakeLedger(pendingOrder())
	svc := newTestNotifyService(ledger, &fakeEvents{})

	body := successNotify(t, func(p wechat.Params) {
		p["total_fee"] = "1"
	})
	ack := svc.HandleNotify(context.Background(), body)

	assert.Equal(t, "FAIL", ackCode(t, ack))
	assert.Equal(t, 0, ledger.settleCalls)
	assert.Equal(t, models.OrderStatusPending, ledger.orders["REC17000000000001234"].Status)
}

func TestHandleNotifyLateForExpiredOrder(t *testing.T) {
	order := pendingOrder()
	order.Status = models.OrderStatusExpired
	ledger := newFakeLedger(order)
	svc := newTestNotifyService(ledger, &fakeEvents{})

	ack := svc.HandleNotify(context.Background(), successNotify(t, nil))

	assert.Equal(t, "FAIL", ackCode(t, ack))
	assert.Equal(t, 0, ledger.credits)
	assert.Equal(t, models.OrderStatusExpired, ledger.orders["REC17000000000001234"].Status)
}

func TestHandleNotifyPaymentFailed(t *testing.T) {
	ledger := newFakeLedger(pendingOrder())
	svc := newTestNotifyService(ledger, &fakeEvents{})

	body := successNotify(t, func(p wechat.Params) {
		p["result_code"] = "FAIL"
		p["err_code"] = "PAYERROR"
		p["err_code_des"] = "insufficient balance"
	})
	ack := svc.HandleNotify(context.Background(), body)

	assert.Equal(t, "SUCCESS", ackCode(t, ack))
	assert.Equal(t, 0, ledger.credits)

	order := ledger.orders["REC17000000000001234"]
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	assert.Equal(t, "insufficient balance", order.FailReason.String)
}

func TestHandleNotifyDuplicateAfterSettled(t *testing.T) {
	order := pendingOrder()
	order.Status = models.OrderStatusPaid
	ledger := newFakeLedger(order)
	events := &fakeEvents{}
	svc := newTestNotifyService(ledger, events)

	ack := svc.HandleNotify(context.Background(), successNotify(t, nil))

	assert.Equal(t, "SUCCESS", ackCode(t, ack))
	assert.Equal(t, 0, ledger.credits)
	assert.Empty(t, events.paid)
}
