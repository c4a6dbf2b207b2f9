package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nabiroh/go-commerce-settlement/internal/apperr"
	"github.com/nabiroh/go-commerce-settlement/internal/logx"
	"github.com/nabiroh/go-commerce-settlement/internal/metrics"
	"github.com/nabiroh/go-commerce-settlement/internal/orders"
)

// Port ke order store; dipenuhi *orders.Repo, test pakai fake in-memory.
type OrderStore interface {
	FindByNumber(ctx context.Context, orderNumber string) (orders.Order, error)
	ApplyPaymentSuccess(ctx context.Context, in orders.ApplyPayment) error
	DirectCancel(ctx context.Context, orderNumber string) error
	BeginCancel(ctx context.Context, orderNumber string) (paymentKey string, err error)
	ApplyCancelSuccess(ctx context.Context, orderNumber string, restoreStock bool) error
	RevertCancelRequest(ctx context.Context, orderNumber string) error
	SavePaymentKeyAndStatus(ctx context.Context, orderNumber, paymentKey string, status orders.Status) error
	DeleteByNumber(ctx context.Context, orderNumber string) error
}

type CartStore interface {
	DeleteLines(ctx context.Context, lineIDs []int64, userID int64) error
}

type Gateway interface {
	Confirm(ctx context.Context, paymentKey, orderNumber string, amount int) (ConfirmResult, error)
	Cancel(ctx context.Context, paymentKey, reason string) (CancelResult, error)
}

// Publisher lifecycle event; best-effort, tidak pernah menggagalkan settlement.
type EventPublisher interface {
	OrderPaid(orderNumber string, userID int64, amount int)
	OrderCanceled(orderNumber, reason string)
	RefundFailed(orderNumber, paymentKey string)
}

type ConfirmInput struct {
	OrderNumber string
	PaymentKey  string
	Amount      int
	UserID      int64
}

type CancelOutput struct {
	OrderNumber  string
	CanceledAt   time.Time
	CancelAmount int
	RefundMethod string
}

// StockExhaustedError: konfirmasi gateway sukses tapi stok habis.
// FinalStatus = CANCELED (reversal sukses) atau REFUND_FAILED (reversal
// gagal, butuh operator).
type StockExhaustedError struct {
	OrderNumber string
	FinalStatus orders.Status
}

func (e *StockExhaustedError) Error() string {
	return fmt.Sprintf("order %s: stock exhausted after gateway confirm, final status %s",
		e.OrderNumber, e.FinalStatus)
}

func (e *StockExhaustedError) Is(target error) bool {
	if target == apperr.ErrStockExhausted {
		return true
	}
	if target == apperr.ErrCompensationFailed {
		return e.FinalStatus == orders.StatusRefundFailed
	}
	return false
}

// Service: coordinator lifecycle order (settlement + cancel + kompensasi).
type Service struct {
	Orders  OrderStore
	Carts   CartStore
	Gateway Gateway
	Events  EventPublisher
	Metrics *metrics.Settlement
	Name    string
}

// Confirm: settle order tepat satu kali.
//
// Validasi + call gateway sengaja DI LUAR row lock; hanya mutasi final
// (status + stok + metadata) yang di dalam transaksi ber-lock, supaya
// lock tidak ditahan selama network call yang lambat.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) error {
	// 1) validasi; semua sebelum ada call eksternal
	o, err := s.Orders.FindByNumber(ctx, in.OrderNumber)
	if err != nil {
		return err
	}
	if o.UserID != in.UserID {
		return fmt.Errorf("order %s user=%d caller=%d: %w",
			in.OrderNumber, o.UserID, in.UserID, apperr.ErrForbidden)
	}
	if o.Status == orders.StatusPaid {
		if o.PaymentKey == in.PaymentKey {
			// Idempotent replay: request pertama sudah sukses.
			s.Metrics.ObserveConfirm("replay")
			return nil
		}
		return fmt.Errorf("order %s already paid: %w", in.OrderNumber, apperr.ErrConflict)
	}
	if o.Status != orders.StatusReady {
		return fmt.Errorf("order %s status=%s: %w", in.OrderNumber, o.Status, apperr.ErrConflict)
	}
	if o.FinalPrice != in.Amount {
		return fmt.Errorf("order %s final=%d charged=%d: %w",
			in.OrderNumber, o.FinalPrice, in.Amount, apperr.ErrInvalidAmount)
	}

	// 2) confirm ke gateway
	start := time.Now()
	res, err := s.Gateway.Confirm(ctx, in.PaymentKey, in.OrderNumber, in.Amount)
	s.Metrics.ObserveGateway("confirm", float64(time.Since(start).Milliseconds()))
	if err != nil {
		// Belum ada state yang committed -> order dibuang, client mulai ulang.
		// Order number + payment key di-log sebagai breadcrumb rekonsiliasi
		// out-of-band (timeout bisa saja charge yang diam-diam jadi).
		logx.Log(logx.Fields{Service: s.Name, OrderNumber: in.OrderNumber, PaymentKey: in.PaymentKey,
			Step: "gateway_confirm", Status: "failed", Err: err.Error()})
		if derr := s.Orders.DeleteByNumber(ctx, in.OrderNumber); derr != nil {
			if errors.Is(derr, apperr.ErrConflict) {
				// Confirm paralel menang selama window gateway; order sudah
				// bukan READY. Hasil settlement-nya jangan ikut dihapus.
				if cur, ferr := s.Orders.FindByNumber(ctx, in.OrderNumber); ferr == nil &&
					cur.Status == orders.StatusPaid && cur.PaymentKey == in.PaymentKey {
					s.Metrics.ObserveConfirm("replay")
					return nil
				}
				s.Metrics.ObserveConfirm("lost_race")
				return fmt.Errorf("order %s already settled: %w", in.OrderNumber, apperr.ErrConflict)
			}
			logx.Log(logx.Fields{Service: s.Name, OrderNumber: in.OrderNumber,
				Step: "abandon_order", Status: "failed", Err: derr.Error()})
		}
		s.Metrics.ObserveConfirm("gateway_failed")
		return err
	}

	approvedAt := res.ApprovedAt
	if approvedAt.IsZero() {
		approvedAt = time.Now()
	}

	// 3) settlement atomik di bawah row lock
	err = s.Orders.ApplyPaymentSuccess(ctx, orders.ApplyPayment{
		OrderNumber: in.OrderNumber,
		PaymentKey:  in.PaymentKey,
		Method:      res.Method,
		ApprovedAt:  approvedAt,
	})
	if errors.Is(err, apperr.ErrStockExhausted) {
		// 4) uang sudah masuk ke gateway tapi stok habis -> kompensasi
		s.Metrics.ObserveConfirm("stock_exhausted")
		return s.compensate(ctx, in.OrderNumber, in.PaymentKey)
	}
	if err != nil {
		s.Metrics.ObserveConfirm("settle_failed")
		return err
	}

	s.Metrics.ObserveConfirm("paid")
	logx.Log(logx.Fields{Service: s.Name, OrderNumber: in.OrderNumber, PaymentKey: in.PaymentKey,
		Step: "settle", Status: "paid"})
	if s.Events != nil {
		s.Events.OrderPaid(in.OrderNumber, in.UserID, in.Amount)
	}

	// 5) cleanup cart line asal (best-effort, jangan blokir settlement)
	if len(o.CartLineIDs) > 0 && s.Carts != nil {
		if cerr := s.Carts.DeleteLines(ctx, o.CartLineIDs, in.UserID); cerr != nil {
			logx.Log(logx.Fields{Service: s.Name, OrderNumber: in.OrderNumber,
				Step: "cart_cleanup", Status: "failed", Err: cerr.Error()})
		}
	}
	return nil
}

// compensate: dua fase.
// Fase 1: tulis breadcrumb durable (payment key + REFUND_FAILED) SEBELUM
// reversal call — crash di antara dua fase tetap bisa dipulihkan operator.
// Fase 2: reversal ke gateway; sukses -> CANCELED, gagal -> tetap
// REFUND_FAILED + error yang actionable.
func (s *Service) compensate(ctx context.Context, orderNumber, paymentKey string) error {
	if err := s.Orders.SavePaymentKeyAndStatus(ctx, orderNumber, paymentKey, orders.StatusRefundFailed); err != nil {
		logx.Log(logx.Fields{Service: s.Name, OrderNumber: orderNumber, PaymentKey: paymentKey,
			Step: "compensate_breadcrumb", Status: "failed", Err: err.Error()})
		s.Metrics.ObserveCompensation("breadcrumb_failed")
		return fmt.Errorf("save compensation breadcrumb: %w", apperr.ErrCompensationFailed)
	}

	start := time.Now()
	_, err := s.Gateway.Cancel(ctx, paymentKey, "auto cancel: out of stock")
	s.Metrics.ObserveGateway("cancel", float64(time.Since(start).Milliseconds()))
	if err != nil {
		// Uang sudah keluar dari provider tapi reversal gagal. Tidak
		// di-retry otomatis; REFUND_FAILED harus kelihatan di monitoring.
		logx.Log(logx.Fields{Service: s.Name, OrderNumber: orderNumber, PaymentKey: paymentKey,
			Step: "compensate_reversal", Status: "refund_failed", Err: err.Error()})
		s.Metrics.ObserveCompensation("refund_failed")
		if s.Events != nil {
			s.Events.RefundFailed(orderNumber, paymentKey)
		}
		return &StockExhaustedError{OrderNumber: orderNumber, FinalStatus: orders.StatusRefundFailed}
	}

	if err := s.Orders.SavePaymentKeyAndStatus(ctx, orderNumber, paymentKey, orders.StatusCanceled); err != nil {
		// Refund sudah jadi; cuma status lokal yang belum. Log saja.
		logx.Log(logx.Fields{Service: s.Name, OrderNumber: orderNumber, PaymentKey: paymentKey,
			Step: "compensate_finalize", Status: "failed", Err: err.Error()})
	}
	logx.Log(logx.Fields{Service: s.Name, OrderNumber: orderNumber, PaymentKey: paymentKey,
		Step: "compensate", Status: "canceled"})
	s.Metrics.ObserveCompensation("canceled")
	if s.Events != nil {
		s.Events.OrderCanceled(orderNumber, "out of stock")
	}
	return &StockExhaustedError{OrderNumber: orderNumber, FinalStatus: orders.StatusCanceled}
}

// Cancel: READY (belum pernah charge) -> langsung CANCELED tanpa gateway.
// PAID -> CANCEL_REQUESTED di bawah lock, cancel di gateway, lalu CANCELED
// + restore stok; gateway gagal -> balik ke PAID.
func (s *Service) Cancel(ctx context.Context, orderNumber, reason string) (CancelOutput, error) {
	o, err := s.Orders.FindByNumber(ctx, orderNumber)
	if err != nil {
		return CancelOutput{}, err
	}

	if o.PaymentKey == "" {
		if o.Status != orders.StatusReady {
			return CancelOutput{}, fmt.Errorf("order %s status=%s without payment key: %w",
				orderNumber, o.Status, apperr.ErrConflict)
		}
		if err := s.Orders.DirectCancel(ctx, orderNumber); err != nil {
			return CancelOutput{}, err
		}
		logx.Log(logx.Fields{Service: s.Name, OrderNumber: orderNumber,
			Step: "cancel", Status: "canceled_unpaid"})
		if s.Events != nil {
			s.Events.OrderCanceled(orderNumber, reason)
		}
		return CancelOutput{OrderNumber: orderNumber, CanceledAt: time.Now()}, nil
	}

	if o.Status != orders.StatusPaid {
		return CancelOutput{}, fmt.Errorf("order %s status=%s: %w", orderNumber, o.Status, apperr.ErrConflict)
	}

	// CANCEL_REQUESTED dulu; serialisasi lawan cancel/confirm paralel.
	paymentKey, err := s.Orders.BeginCancel(ctx, orderNumber)
	if err != nil {
		return CancelOutput{}, err
	}

	start := time.Now()
	res, err := s.Gateway.Cancel(ctx, paymentKey, reason)
	s.Metrics.ObserveGateway("cancel", float64(time.Since(start).Milliseconds()))
	if err != nil {
		if rerr := s.Orders.RevertCancelRequest(ctx, orderNumber); rerr != nil {
			logx.Log(logx.Fields{Service: s.Name, OrderNumber: orderNumber,
				Step: "cancel_revert", Status: "failed", Err: rerr.Error()})
		}
		return CancelOutput{}, err
	}

	if err := s.Orders.ApplyCancelSuccess(ctx, orderNumber, true); err != nil {
		return CancelOutput{}, err
	}
	logx.Log(logx.Fields{Service: s.Name, OrderNumber: orderNumber, PaymentKey: paymentKey,
		Step: "cancel", Status: "canceled"})
	if s.Events != nil {
		s.Events.OrderCanceled(orderNumber, reason)
	}
	return CancelOutput{
		OrderNumber:  orderNumber,
		CanceledAt:   time.Now(),
		CancelAmount: res.CancelAmount,
		RefundMethod: res.Method,
	}, nil
}
