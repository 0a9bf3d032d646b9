package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"

	"github.com/segmentio/kafka-go"
)

// messageWriter - часть kafka.Writer, которой пользуется транспорт.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(brokers []string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, nil
}

// topicName строит имя топика из префикса и суффикса: "harvest" + "sms" -> "harvest.sms".
func topicName(prefix, suffix string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}

// KafkaSender передаёт задания на отправку SMS/IVR/web-уведомлений шлюзам
// через отдельный топик на каждый канал. Ключ сообщения - ID запроса.
type KafkaSender struct {
	writer messageWriter
	prefix string
	nowFn  func() time.Time
}

// NewKafkaSender создаёт новый экземпляр KafkaSender.
func NewKafkaSender(brokers []string, topicPrefix string) (*KafkaSender, error) {
	writer, err := newWriter(brokers)
	if err != nil {
		return nil, err
	}
	return &KafkaSender{writer: writer, prefix: topicPrefix, nowFn: time.Now}, nil
}

// Send публикует задание на отправку в топик канала.
func (s *KafkaSender) Send(ctx context.Context, req models.DispatchRequest) error {
	if !req.Channel.IsKnown() {
		return fmt.Errorf("unknown channel %q", req.Channel)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Topic: topicName(s.prefix, "notifications."+string(req.Channel)),
		Key:   []byte(req.RecordID),
		Value: payload,
		Time:  s.nowFn().UTC(),
	})
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}

// KafkaEventPublisher публикует события жизненного цикла запроса,
// например request_confirmed для списания остатка объявления.
type KafkaEventPublisher struct {
	writer messageWriter
	prefix string
}

// NewKafkaEventPublisher создаёт новый экземпляр KafkaEventPublisher.
func NewKafkaEventPublisher(brokers []string, topicPrefix string) (*KafkaEventPublisher, error) {
	writer, err := newWriter(brokers)
	if err != nil {
		return nil, err
	}
	return &KafkaEventPublisher{writer: writer, prefix: topicPrefix}, nil
}

// Publish публикует событие. Все события запроса идут в одну партицию по ключу ID запроса.
func (p *KafkaEventPublisher) Publish(ctx context.Context, event models.DomainEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topicName(p.prefix, "requests.events"),
		Key:   []byte(event.RequestID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
		Time: event.OccurredAt,
	})
}

func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}
