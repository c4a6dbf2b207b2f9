package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabiroh/go-commerce-settlement/internal/apperr"
	"github.com/nabiroh/go-commerce-settlement/internal/orders"
)

// fakeOrders emulates the pg repo: the mutex plays the role of the
// per-order row lock, conditional stock checks match the batched
// stock >= qty predicate.
type fakeOrders struct {
	mu      sync.Mutex
	orders  map[string]*orders.Order
	lines   map[string]map[int64]int // orderNumber -> qty by product id
	stock   map[int64]int
	deleted []string
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{
		orders: map[string]*orders.Order{},
		lines:  map[string]map[int64]int{},
		stock:  map[int64]int{},
	}
}

func (f *fakeOrders) addOrder(o orders.Order, lines map[int64]int) {
	f.orders[o.OrderNumber] = &o
	f.lines[o.OrderNumber] = lines
}

func (f *fakeOrders) FindByNumber(_ context.Context, orderNumber string) (orders.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderNumber]
	if !ok {
		return orders.Order{}, fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	}
	return *o, nil
}

func (f *fakeOrders) ApplyPaymentSuccess(_ context.Context, in orders.ApplyPayment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[in.OrderNumber]
	if !ok {
		return fmt.Errorf("order %s: %w", in.OrderNumber, apperr.ErrNotFound)
	}
	if o.Status == orders.StatusPaid && o.PaymentKey == in.PaymentKey {
		return nil
	}
	if o.Status != orders.StatusReady {
		return fmt.Errorf("order %s status=%s: %w", in.OrderNumber, o.Status, apperr.ErrConflict)
	}
	for pid, qty := range f.lines[in.OrderNumber] {
		if f.stock[pid] < qty {
			return fmt.Errorf("product %d: %w", pid, apperr.ErrStockExhausted)
		}
	}
	for pid, qty := range f.lines[in.OrderNumber] {
		f.stock[pid] -= qty
	}
	o.Status = orders.StatusPaid
	o.PaymentKey = in.PaymentKey
	o.PaymentType = orders.PaymentTypeFromMethod(in.Method)
	t := in.ApprovedAt
	o.ApprovedAt = &t
	return nil
}

func (f *fakeOrders) DirectCancel(_ context.Context, orderNumber string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderNumber]
	if o == nil {
		return apperr.ErrNotFound
	}
	if o.Status != orders.StatusReady {
		return apperr.ErrConflict
	}
	o.Status = orders.StatusCanceled
	return nil
}

func (f *fakeOrders) BeginCancel(_ context.Context, orderNumber string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderNumber]
	if o == nil {
		return "", apperr.ErrNotFound
	}
	if o.Status != orders.StatusPaid || o.PaymentKey == "" {
		return "", apperr.ErrConflict
	}
	o.Status = orders.StatusCancelRequested
	return o.PaymentKey, nil
}

func (f *fakeOrders) ApplyCancelSuccess(_ context.Context, orderNumber string, restoreStock bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderNumber]
	if o == nil {
		return apperr.ErrNotFound
	}
	if o.Status != orders.StatusCancelRequested {
		return apperr.ErrConflict
	}
	o.Status = orders.StatusCanceled
	if restoreStock {
		for pid, qty := range f.lines[orderNumber] {
			f.stock[pid] += qty
		}
	}
	return nil
}

func (f *fakeOrders) RevertCancelRequest(_ context.Context, orderNumber string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderNumber]
	if o == nil {
		return apperr.ErrNotFound
	}
	if o.Status == orders.StatusCancelRequested {
		o.Status = orders.StatusPaid
	}
	return nil
}

func (f *fakeOrders) SavePaymentKeyAndStatus(_ context.Context, orderNumber, paymentKey string, status orders.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderNumber]
	if o == nil {
		return apperr.ErrNotFound
	}
	o.PaymentKey = paymentKey
	o.Status = status
	return nil
}

func (f *fakeOrders) DeleteByNumber(_ context.Context, orderNumber string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderNumber]
	if !ok {
		return apperr.ErrNotFound
	}
	if o.Status != orders.StatusReady {
		return fmt.Errorf("order %s status=%s: %w", orderNumber, o.Status, apperr.ErrConflict)
	}
	delete(f.orders, orderNumber)
	delete(f.lines, orderNumber)
	f.deleted = append(f.deleted, orderNumber)
	return nil
}

func (f *fakeOrders) status(t *testing.T, orderNumber string) orders.Status {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderNumber]
	require.True(t, ok, "order %s should exist", orderNumber)
	return o.Status
}

type fakeGateway struct {
	confirmErr   error
	cancelErr    error
	confirmCalls atomic.Int64
	cancelCalls  atomic.Int64
}

func (g *fakeGateway) Confirm(context.Context, string, string, int) (ConfirmResult, error) {
	g.confirmCalls.Add(1)
	if g.confirmErr != nil {
		return ConfirmResult{}, g.confirmErr
	}
	return ConfirmResult{Method: "CARD", ApprovedAt: time.Now()}, nil
}

func (g *fakeGateway) Cancel(context.Context, string, string) (CancelResult, error) {
	g.cancelCalls.Add(1)
	if g.cancelErr != nil {
		return CancelResult{}, g.cancelErr
	}
	return CancelResult{Method: "CARD", CancelAmount: 11000}, nil
}

// hookGateway menjalankan hook di tengah window confirm; dipakai utk
// menyusupkan settlement pemenang sebelum gateway menjawab si loser.
type hookGateway struct {
	fakeGateway
	beforeConfirm func(paymentKey string)
}

func (g *hookGateway) Confirm(ctx context.Context, paymentKey, orderNumber string, amount int) (ConfirmResult, error) {
	if g.beforeConfirm != nil {
		g.beforeConfirm(paymentKey)
	}
	return g.fakeGateway.Confirm(ctx, paymentKey, orderNumber, amount)
}

type fakeCart struct {
	mu      sync.Mutex
	deleted [][]int64
}

func (c *fakeCart) DeleteLines(_ context.Context, ids []int64, _ int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, ids)
	return nil
}

func newService(store *fakeOrders, gw *fakeGateway) *Service {
	return &Service{Orders: store, Carts: &fakeCart{}, Gateway: gw, Name: "test"}
}

func readyOrder(orderNumber string, userID int64, finalPrice int) orders.Order {
	return orders.Order{
		OrderNumber: orderNumber,
		UserID:      userID,
		Status:      orders.StatusReady,
		FinalPrice:  finalPrice,
	}
}

func TestConfirmHappyPath(t *testing.T) {
	store := newFakeOrders()
	store.stock[1] = 5
	store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 1})
	gw := &fakeGateway{}
	svc := newService(store, gw)

	err := svc.Confirm(context.Background(), ConfirmInput{
		OrderNumber: "ord-1", PaymentKey: "pay-1", Amount: 11000, UserID: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, store.status(t, "ord-1"))
	assert.Equal(t, 4, store.stock[1])
	assert.EqualValues(t, 1, gw.confirmCalls.Load())
}

func TestConfirmIdempotentReplay(t *testing.T) {
	store := newFakeOrders()
	store.stock[1] = 5
	store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 2})
	gw := &fakeGateway{}
	svc := newService(store, gw)

	in := ConfirmInput{OrderNumber: "ord-1", PaymentKey: "pay-1", Amount: 11000, UserID: 7}
	require.NoError(t, svc.Confirm(context.Background(), in))
	require.NoError(t, svc.Confirm(context.Background(), in))

	// decrement persis satu kali
	assert.Equal(t, 3, store.stock[1])
	assert.EqualValues(t, 1, gw.confirmCalls.Load(), "replay must not hit the gateway again")
}

func TestConfirmPaidWithDifferentKeyConflicts(t *testing.T) {
	store := newFakeOrders()
	store.stock[1] = 5
	store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 1})
	svc := newService(store, &fakeGateway{})

	require.NoError(t, svc.Confirm(context.Background(), ConfirmInput{
		OrderNumber: "ord-1", PaymentKey: "pay-1", Amount: 11000, UserID: 7}))

	err := svc.Confirm(context.Background(), ConfirmInput{
		OrderNumber: "ord-1", PaymentKey: "pay-other", Amount: 11000, UserID: 7})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestConfirmValidation(t *testing.T) {
	newStore := func() *fakeOrders {
		store := newFakeOrders()
		store.stock[1] = 5
		store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 1})
		return store
	}

	t.Run("not found", func(t *testing.T) {
		svc := newService(newStore(), &fakeGateway{})
		err := svc.Confirm(context.Background(), ConfirmInput{
			OrderNumber: "nope", PaymentKey: "k", Amount: 11000, UserID: 7})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("forbidden", func(t *testing.T) {
		store := newStore()
		gw := &fakeGateway{}
		svc := newService(store, gw)
		err := svc.Confirm(context.Background(), ConfirmInput{
			OrderNumber: "ord-1", PaymentKey: "k", Amount: 11000, UserID: 99})
		assert.ErrorIs(t, err, apperr.ErrForbidden)
		assert.EqualValues(t, 0, gw.confirmCalls.Load())
	})

	t.Run("invalid amount leaves order READY and stock untouched", func(t *testing.T) {
		store := newStore()
		gw := &fakeGateway{}
		svc := newService(store, gw)
		err := svc.Confirm(context.Background(), ConfirmInput{
			OrderNumber: "ord-1", PaymentKey: "k", Amount: 9999, UserID: 7})
		assert.ErrorIs(t, err, apperr.ErrInvalidAmount)
		assert.Equal(t, orders.StatusReady, store.status(t, "ord-1"))
		assert.Equal(t, 5, store.stock[1])
		assert.EqualValues(t, 0, gw.confirmCalls.Load())
	})
}

func TestConfirmGatewayFailureDeletesOrder(t *testing.T) {
	for name, gwErr := range map[string]error{
		"rejected":    fmt.Errorf("status=400: %w", apperr.ErrGatewayRejected),
		"unavailable": fmt.Errorf("timeout: %w", apperr.ErrGatewayUnavailable),
	} {
		t.Run(name, func(t *testing.T) {
			store := newFakeOrders()
			store.stock[1] = 5
			store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 1})
			svc := newService(store, &fakeGateway{confirmErr: gwErr})

			err := svc.Confirm(context.Background(), ConfirmInput{
				OrderNumber: "ord-1", PaymentKey: "k", Amount: 11000, UserID: 7})
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrGatewayRejected) || errors.Is(err, apperr.ErrGatewayUnavailable))
			assert.Contains(t, store.deleted, "ord-1", "abandoned order must be deleted")
			assert.Equal(t, 5, store.stock[1])
		})
	}
}

func TestConfirmStockExhaustedCompensates(t *testing.T) {
	t.Run("reversal ok -> CANCELED", func(t *testing.T) {
		store := newFakeOrders()
		store.stock[1] = 0 // habis setelah order dibuat
		store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 1})
		gw := &fakeGateway{}
		svc := newService(store, gw)

		err := svc.Confirm(context.Background(), ConfirmInput{
			OrderNumber: "ord-1", PaymentKey: "pay-1", Amount: 11000, UserID: 7})
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrStockExhausted)
		assert.NotErrorIs(t, err, apperr.ErrCompensationFailed)
		assert.Equal(t, http.StatusConflict, apperr.HTTPStatus(err))
		assert.Equal(t, orders.StatusCanceled, store.status(t, "ord-1"))
		assert.EqualValues(t, 1, gw.cancelCalls.Load())
		assert.Equal(t, 0, store.stock[1])
	})

	t.Run("reversal fails -> REFUND_FAILED with durable payment key", func(t *testing.T) {
		store := newFakeOrders()
		store.stock[1] = 0
		store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 1})
		gw := &fakeGateway{cancelErr: fmt.Errorf("boom: %w", apperr.ErrGatewayUnavailable)}
		svc := newService(store, gw)

		err := svc.Confirm(context.Background(), ConfirmInput{
			OrderNumber: "ord-1", PaymentKey: "pay-1", Amount: 11000, UserID: 7})
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrStockExhausted)
		assert.ErrorIs(t, err, apperr.ErrCompensationFailed)
		// REFUND_FAILED harus kelihatan sebagai 502, bukan 409 biasa
		assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))
		assert.Equal(t, orders.StatusRefundFailed, store.status(t, "ord-1"))

		store.mu.Lock()
		assert.Equal(t, "pay-1", store.orders["ord-1"].PaymentKey, "breadcrumb for manual refund")
		store.mu.Unlock()
	})
}

// Konfirmasi ganda utk order yang sama: pemenang settle selama window
// gateway si loser. Penolakan gateway lawan si loser tidak boleh
// menghapus order yang sudah PAID.
func TestConfirmRejectedLoserLeavesSettledOrder(t *testing.T) {
	settleAs := func(store *fakeOrders, paymentKey string) {
		require.NoError(t, store.ApplyPaymentSuccess(context.Background(), orders.ApplyPayment{
			OrderNumber: "ord-1", PaymentKey: paymentKey, Method: "CARD", ApprovedAt: time.Now(),
		}))
	}

	t.Run("different key -> Conflict, order stays PAID", func(t *testing.T) {
		store := newFakeOrders()
		store.stock[1] = 5
		store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 1})
		gw := &hookGateway{}
		gw.beforeConfirm = func(paymentKey string) {
			settleAs(store, "pay-a")
			gw.confirmErr = fmt.Errorf("duplicate confirm: %w", apperr.ErrGatewayRejected)
		}
		svc := &Service{Orders: store, Carts: &fakeCart{}, Gateway: gw, Name: "test"}

		err := svc.Confirm(context.Background(), ConfirmInput{
			OrderNumber: "ord-1", PaymentKey: "pay-b", Amount: 11000, UserID: 7})
		assert.ErrorIs(t, err, apperr.ErrConflict)
		assert.NotContains(t, store.deleted, "ord-1", "PAID order must survive the loser's abandon path")
		assert.Equal(t, orders.StatusPaid, store.status(t, "ord-1"))
		store.mu.Lock()
		assert.Equal(t, "pay-a", store.orders["ord-1"].PaymentKey)
		store.mu.Unlock()
		assert.Equal(t, 4, store.stock[1])
	})

	t.Run("same key -> idempotent success", func(t *testing.T) {
		store := newFakeOrders()
		store.stock[1] = 5
		store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 1})
		gw := &hookGateway{}
		gw.beforeConfirm = func(paymentKey string) {
			// retry duplikat: request pertama menang dengan key yang sama
			settleAs(store, paymentKey)
			gw.confirmErr = fmt.Errorf("already processed: %w", apperr.ErrGatewayRejected)
		}
		svc := &Service{Orders: store, Carts: &fakeCart{}, Gateway: gw, Name: "test"}

		err := svc.Confirm(context.Background(), ConfirmInput{
			OrderNumber: "ord-1", PaymentKey: "pay-1", Amount: 11000, UserID: 7})
		require.NoError(t, err)
		assert.Equal(t, orders.StatusPaid, store.status(t, "ord-1"))
		assert.Equal(t, 4, store.stock[1], "decrement exactly once")
	})
}

// Dua konfirmasi paralel rebutan stok 1: tepat satu PAID, satunya
// terkompensasi, stok tidak pernah negatif.
func TestConfirmConcurrentNoOversell(t *testing.T) {
	store := newFakeOrders()
	store.stock[1] = 1
	store.addOrder(readyOrder("ord-a", 7, 11000), map[int64]int{1: 1})
	store.addOrder(readyOrder("ord-b", 8, 11000), map[int64]int{1: 1})
	gw := &fakeGateway{}
	svc := newService(store, gw)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, in := range []ConfirmInput{
		{OrderNumber: "ord-a", PaymentKey: "pay-a", Amount: 11000, UserID: 7},
		{OrderNumber: "ord-b", PaymentKey: "pay-b", Amount: 11000, UserID: 8},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = svc.Confirm(context.Background(), in)
		}()
	}
	wg.Wait()

	var paid, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			paid++
		case errors.Is(err, apperr.ErrStockExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, paid)
	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 0, store.stock[1])

	statuses := []orders.Status{store.status(t, "ord-a"), store.status(t, "ord-b")}
	assert.Contains(t, statuses, orders.StatusPaid)
	assert.Contains(t, statuses, orders.StatusCanceled)
}

func TestConfirmCleansUpCartLines(t *testing.T) {
	store := newFakeOrders()
	store.stock[1] = 5
	o := readyOrder("ord-1", 7, 11000)
	o.Type = orders.TypeCart
	o.CartLineIDs = []int64{31, 32}
	store.addOrder(o, map[int64]int{1: 1})
	carts := &fakeCart{}
	svc := &Service{Orders: store, Carts: carts, Gateway: &fakeGateway{}, Name: "test"}

	require.NoError(t, svc.Confirm(context.Background(), ConfirmInput{
		OrderNumber: "ord-1", PaymentKey: "pay-1", Amount: 11000, UserID: 7}))

	carts.mu.Lock()
	defer carts.mu.Unlock()
	require.Len(t, carts.deleted, 1)
	assert.Equal(t, []int64{31, 32}, carts.deleted[0])
}

func TestCancelReadyOrderSkipsGateway(t *testing.T) {
	store := newFakeOrders()
	store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 1})
	gw := &fakeGateway{}
	svc := newService(store, gw)

	out, err := svc.Cancel(context.Background(), "ord-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCanceled, store.status(t, "ord-1"))
	assert.Zero(t, out.CancelAmount)
	assert.EqualValues(t, 0, gw.cancelCalls.Load(), "READY cancel must not call the gateway")
}

func TestCancelPaidOrderRestoresStock(t *testing.T) {
	store := newFakeOrders()
	store.stock[1] = 5
	store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 2})
	gw := &fakeGateway{}
	svc := newService(store, gw)

	require.NoError(t, svc.Confirm(context.Background(), ConfirmInput{
		OrderNumber: "ord-1", PaymentKey: "pay-1", Amount: 11000, UserID: 7}))
	require.Equal(t, 3, store.stock[1])

	out, err := svc.Cancel(context.Background(), "ord-1", "refund please")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCanceled, store.status(t, "ord-1"))
	assert.Equal(t, 5, store.stock[1])
	assert.Equal(t, 11000, out.CancelAmount)
	assert.Equal(t, "CARD", out.RefundMethod)
}

func TestCancelPaidGatewayFailureRevertsToPaid(t *testing.T) {
	store := newFakeOrders()
	store.stock[1] = 5
	store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 1})
	gw := &fakeGateway{}
	svc := newService(store, gw)

	require.NoError(t, svc.Confirm(context.Background(), ConfirmInput{
		OrderNumber: "ord-1", PaymentKey: "pay-1", Amount: 11000, UserID: 7}))

	gw.cancelErr = fmt.Errorf("down: %w", apperr.ErrGatewayUnavailable)
	_, err := svc.Cancel(context.Background(), "ord-1", "refund please")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
	assert.Equal(t, orders.StatusPaid, store.status(t, "ord-1"))
	assert.Equal(t, 4, store.stock[1], "stock stays decremented, order is still PAID")
}

func TestCancelCanceledOrderConflicts(t *testing.T) {
	store := newFakeOrders()
	store.addOrder(readyOrder("ord-1", 7, 11000), map[int64]int{1: 1})
	svc := newService(store, &fakeGateway{})

	_, err := svc.Cancel(context.Background(), "ord-1", "first")
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), "ord-1", "second")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}
