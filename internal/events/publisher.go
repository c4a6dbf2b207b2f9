package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/nabiroh/go-commerce-settlement/internal/kafka"
)

const (
	TopicOrderLifecycle = "commerce.order.lifecycle"

	EventOrderPaid     = "OrderPaid"
	EventOrderCanceled = "OrderCanceled"
	// Sinyal operator: reversal gagal, refund manual diperlukan.
	EventRefundFailed = "RefundFailed"
)

type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Producer     string          `json:"producer"`
	Payload      json.RawMessage `json:"payload"`
}

type OrderPaidPayload struct {
	OrderNumber string `json:"order_number"`
	UserID      int64  `json:"user_id"`
	Amount      int    `json:"amount"`
}

type OrderCanceledPayload struct {
	OrderNumber string `json:"order_number"`
	Reason      string `json:"reason"`
}

type RefundFailedPayload struct {
	OrderNumber string `json:"order_number"`
	PaymentKey  string `json:"payment_key"`
}

// Partition key = order number; event satu order maintain urutan.
func PartitionKey(orderNumber string) []byte { return []byte(orderNumber) }

// Publisher: lifecycle event pasca commit, fire-and-forget lewat producer
// async. Tidak pernah menggagalkan settlement.
type Publisher struct {
	Producer *kafkax.Producer
	Service  string
}

func (p *Publisher) OrderPaid(orderNumber string, userID int64, amount int) {
	p.publish(EventOrderPaid, orderNumber,
		OrderPaidPayload{OrderNumber: orderNumber, UserID: userID, Amount: amount})
}

func (p *Publisher) OrderCanceled(orderNumber, reason string) {
	p.publish(EventOrderCanceled, orderNumber,
		OrderCanceledPayload{OrderNumber: orderNumber, Reason: reason})
}

func (p *Publisher) RefundFailed(orderNumber, paymentKey string) {
	p.publish(EventRefundFailed, orderNumber,
		RefundFailedPayload{OrderNumber: orderNumber, PaymentKey: paymentKey})
}

func (p *Publisher) publish(eventType, orderNumber string, payload any) {
	ev := Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   time.Now().UTC(),
		Producer:     p.Service,
		Payload:      kafkax.MustMarshal(payload),
	}
	p.Producer.Publish(PartitionKey(orderNumber), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
