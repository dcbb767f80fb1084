package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvdashuaibi/fairdraw/config"
	"github.com/lvdashuaibi/fairdraw/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 向展示层推送抽奖事件
type Producer struct {
	writer messageWriter
	log    logrus.FieldLogger
}

func NewProducer(cfg config.KafkaConfig, log logrus.FieldLogger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置 kafka.brokers")
	}

	// 使用Hash分区器，同一抽奖的事件进入同一分区，保证顺序
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.EventsTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newProducer(writer, log), nil
}

func newProducer(w messageWriter, log logrus.FieldLogger) *Producer {
	return &Producer{writer: w, log: log.WithField("component", "kafka-producer")}
}

// eventMessage 以抽奖ID作为分区key
func eventMessage(event model.GiveawayEvent) (kafka.Message, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("序列化抽奖事件失败: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.GiveawayID),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}, nil
}

// Publish 发送抽奖事件
func (p *Producer) Publish(ctx context.Context, event model.GiveawayEvent) error {
	msg, err := eventMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送抽奖事件失败: %w", err)
	}
	p.log.WithFields(logrus.Fields{"giveaway": event.GiveawayID, "type": event.Type}).Debug("已发送抽奖事件")
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}

// LogPublisher 未启用Kafka时只记录事件
type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: log.WithField("component", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event model.GiveawayEvent) error {
	p.log.WithFields(logrus.Fields{
		"giveaway": event.GiveawayID,
		"type":     event.Type,
		"entries":  event.TotalEntries,
		"winners":  len(event.Winners),
	}).Info("抽奖事件")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
