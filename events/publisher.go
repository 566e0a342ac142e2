/*
Package events publishes committed booking transitions to kafka.

PURPOSE:
  Downstream systems (agency dashboards, accounting exports, notification
  senders) consume booking lifecycle events from a topic instead of polling
  the API. Publisher implements booking.Notifier.

DELIVERY:
  Best effort. Notify runs after the settlement unit of work committed, so a
  kafka outage can never roll back or block a booking. Failed writes are
  logged with the booking id and dropped.

MESSAGE:
  key   = booking id (all events of a booking land on one partition, in order)
  value = JSON Message below
*/
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/booking"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "booking-settlement"

const writeTimeout = 10 * time.Second

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the wire format of a lifecycle event.
type Message struct {
	EventType   string           `json:"event_type"`
	BookingID   string           `json:"booking_id"`
	UserID      string           `json:"user_id"`
	AgencyID    string           `json:"agency_id,omitempty"`
	WalletID    string           `json:"wallet_id"`
	HoldID      string           `json:"hold_id,omitempty"`
	Status      string           `json:"status"`
	Currency    string           `json:"currency"`
	TotalPrice  decimal.Decimal  `json:"total_price"`
	Transaction *TransactionInfo `json:"transaction,omitempty"`
	Refund      *RefundInfo      `json:"refund,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

type TransactionInfo struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

type RefundInfo struct {
	PenaltyPercent decimal.Decimal `json:"penalty_percent"`
	PenaltyAmount  decimal.Decimal `json:"penalty_amount"`
	RefundAmount   decimal.Decimal `json:"refund_amount"`
}

var _ booking.Notifier = (*Publisher)(nil)

type Publisher struct {
	writer Writer
	logger *zap.Logger
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: writeTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Sugar().Warnf(msg, args...)
		}),
	}
}

func NewPublisher(w Writer, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: w, logger: logger}
}

// Notify implements booking.Notifier.
func (p *Publisher) Notify(ctx context.Context, e booking.Event) {
	msg := NewMessage(e)
	value, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to marshal booking event",
			zap.String("booking_id", msg.BookingID),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.BookingID),
		Value: value,
		Time:  msg.OccurredAt,
	})
	if err != nil {
		p.logger.Error("failed to publish booking event",
			zap.String("event_type", msg.EventType),
			zap.String("booking_id", msg.BookingID),
			zap.Error(err))
		return
	}
	p.logger.Debug("booking event published",
		zap.String("event_type", msg.EventType),
		zap.String("booking_id", msg.BookingID))
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// NewMessage converts an event to its wire format.
func NewMessage(e booking.Event) Message {
	b := e.Booking
	msg := Message{
		EventType:  string(e.Type),
		BookingID:  b.ID,
		UserID:     b.UserID,
		AgencyID:   b.AgencyID,
		WalletID:   string(b.WalletID),
		HoldID:     string(b.HoldID),
		Status:     string(b.Status),
		Currency:   string(b.Currency),
		TotalPrice: b.TotalPrice,
		Reason:     b.RejectionReason,
		OccurredAt: e.OccurredAt,
	}
	if tx := e.Transaction; tx != nil {
		msg.Transaction = &TransactionInfo{ID: string(tx.ID), Kind: string(tx.Kind), Amount: tx.Amount}
	}
	if r := b.Refund; r != nil {
		msg.Refund = &RefundInfo{
			PenaltyPercent: r.PenaltyPercent,
			PenaltyAmount:  r.PenaltyAmount,
			RefundAmount:   r.RefundAmount,
		}
	}
	return msg
}
