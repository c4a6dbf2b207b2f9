package logx

import (
	"encoding/json"
	"log"
	"time"
)

// Satu baris JSON per event supaya gampang di-grep / dikirim ke collector.
type Fields struct {
	Service     string `json:"service"`
	OrderNumber string `json:"order_number,omitempty"`
	PaymentKey  string `json:"payment_key,omitempty"`
	Step        string `json:"step,omitempty"`
	Status      string `json:"status,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Message     string `json:"message,omitempty"`
	Err         string `json:"error,omitempty"`
}

func Log(f Fields) {
	payload := map[string]any{
		"service":   f.Service,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if f.OrderNumber != "" {
		payload["order_number"] = f.OrderNumber
	}
	if f.PaymentKey != "" {
		payload["payment_key"] = f.PaymentKey
	}
	if f.Step != "" {
		payload["step"] = f.Step
	}
	if f.Status != "" {
		payload["status"] = f.Status
	}
	if f.DurationMS != 0 {
		payload["duration_ms"] = f.DurationMS
	}
	if f.Message != "" {
		payload["message"] = f.Message
	}
	if f.Err != "" {
		payload["error"] = f.Err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Printf("{\"service\":%q,\"status\":\"log_error\",\"error\":%q}", f.Service, err.Error())
		return
	}
	log.Print(string(b))
}
