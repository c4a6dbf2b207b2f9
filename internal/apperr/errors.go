package apperr

import (
	"errors"
	"net/http"
)

// Taksonomi error settlement. Validasi (NotFound/Forbidden/Conflict/InvalidAmount)
// terdeteksi sebelum ada call eksternal; sisanya dari gateway / stok.
var (
	ErrNotFound           = errors.New("order not found")
	ErrForbidden          = errors.New("order belongs to another user")
	ErrConflict           = errors.New("order already processed")
	ErrInvalidAmount      = errors.New("charged amount does not match order price")
	ErrGatewayRejected    = errors.New("payment gateway rejected the request")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrStockExhausted     = errors.New("insufficient stock")
	ErrCompensationFailed = errors.New("payment reversal failed, manual refund required")
)

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	// CompensationFailed sebelum StockExhausted: error kompensasi match
	// keduanya, dan REFUND_FAILED harus kelihatan sebagai 502, bukan 409.
	case errors.Is(err, ErrCompensationFailed), errors.Is(err, ErrGatewayRejected), errors.Is(err, ErrGatewayUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrStockExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage: pesan stabil utk client. Detail gateway (rejected vs unavailable)
// cukup di log, jangan bocor ke end user.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "order not found"
	case errors.Is(err, ErrForbidden):
		return "not your order"
	case errors.Is(err, ErrConflict):
		return "order already processed"
	case errors.Is(err, ErrInvalidAmount):
		return "payment amount mismatch"
	case errors.Is(err, ErrCompensationFailed):
		return "payment could not be refunded, please contact support"
	case errors.Is(err, ErrStockExhausted):
		return "out of stock, payment was canceled"
	case errors.Is(err, ErrGatewayRejected), errors.Is(err, ErrGatewayUnavailable):
		return "payment failed, please try again"
	default:
		return "internal error"
	}
}
