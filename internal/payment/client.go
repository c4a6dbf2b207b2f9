package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nabiroh/go-commerce-settlement/internal/apperr"
)

// ConfirmResult: field yang kita pakai dari response confirm gateway.
type ConfirmResult struct {
	Method     string
	ApprovedAt time.Time
}

type CancelResult struct {
	Method       string
	CancelAmount int
}

// Client: wrapper HTTP ke payment gateway. Timeout bounded via http.Client.
//
// Confirm TIDAK pernah di-retry di sini: transport error itu ambigu
// (charge bisa saja sudah jadi), blind retry = resiko double charge.
// Cancel aman di-retry karena idempoten di sisi provider.
type Client struct {
	http    *http.Client
	baseURL string
	auth    string // precomputed Authorization header
}

func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(secretKey+":")),
	}
}

type confirmReq struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int    `json:"amount"`
}

type confirmResp struct {
	Method     string `json:"method"`
	ApprovedAt string `json:"approvedAt"`
}

func (c *Client) Confirm(ctx context.Context, paymentKey, orderNumber string, amount int) (ConfirmResult, error) {
	var out confirmResp
	err := c.post(ctx, "/v1/payments/confirm",
		confirmReq{PaymentKey: paymentKey, OrderID: orderNumber, Amount: amount}, &out)
	if err != nil {
		return ConfirmResult{}, err
	}

	res := ConfirmResult{Method: out.Method}
	// approvedAt rusak / kosong -> biarkan zero, caller fallback ke now.
	if t, perr := time.Parse(time.RFC3339, out.ApprovedAt); perr == nil {
		res.ApprovedAt = t
	}
	return res, nil
}

type cancelReq struct {
	CancelReason string `json:"cancelReason"`
}

type cancelResp struct {
	Method  string `json:"method"`
	Cancels []struct {
		CancelAmount int `json:"cancelAmount"`
	} `json:"cancels"`
}

func (c *Client) Cancel(ctx context.Context, paymentKey, reason string) (CancelResult, error) {
	var out cancelResp
	var err error
	// Idempoten di provider -> retry ringan saat unavailable.
	for attempt := 0; attempt < 3; attempt++ {
		err = c.post(ctx, "/v1/payments/"+paymentKey+"/cancel", cancelReq{CancelReason: reason}, &out)
		if err == nil || !isUnavailable(err) {
			break
		}
	}
	if err != nil {
		return CancelResult{}, err
	}

	res := CancelResult{Method: out.Method}
	if len(out.Cancels) > 0 {
		res.CancelAmount = out.Cancels[0].CancelAmount
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// transport / timeout
		return fmt.Errorf("gateway %s: %v: %w", path, err, apperr.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("gateway %s: decode: %v: %w", path, err, apperr.ErrGatewayUnavailable)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("gateway %s: status=%d body=%s: %w",
			path, resp.StatusCode, respBody, apperr.ErrGatewayRejected)
	default:
		return fmt.Errorf("gateway %s: status=%d: %w", path, resp.StatusCode, apperr.ErrGatewayUnavailable)
	}
}

func isUnavailable(err error) bool {
	return errors.Is(err, apperr.ErrGatewayUnavailable)
}
