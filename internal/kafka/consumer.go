package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/lvdashuaibi/fairdraw/config"
	"github.com/lvdashuaibi/fairdraw/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// CommandHandler 处理一条聊天平台指令
type CommandHandler func(ctx context.Context, cmd *model.GiveawayCommand) error

// Consumer 消费指令主题。单个reader拉取，按抽奖ID哈希分发给固定worker，同一抽奖的指令按顺序处理
type Consumer struct {
	reader     messageReader
	ctx        context.Context
	cancel     context.CancelFunc
	numWorkers int
	queues     []chan *model.GiveawayCommand
	wg         sync.WaitGroup
	log        logrus.FieldLogger
}

func NewConsumer(cfg config.KafkaConfig, log logrus.FieldLogger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置 kafka.brokers")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.CommandsTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(reader, cfg.Workers, log), nil
}

func newConsumer(r messageReader, workers int, log logrus.FieldLogger) *Consumer {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		reader:     r,
		ctx:        ctx,
		cancel:     cancel,
		numWorkers: workers,
		log:        log.WithField("component", "kafka-consumer"),
	}
}

// workerFor 同一抽奖ID总是落到同一个worker
func workerFor(giveawayID string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(giveawayID))
	return int(h.Sum32() % uint32(workers))
}

// StartConsuming 启动拉取协程与处理协程
func (c *Consumer) StartConsuming(handler CommandHandler) {
	c.queues = make([]chan *model.GiveawayCommand, c.numWorkers)
	for i := range c.queues {
		c.queues[i] = make(chan *model.GiveawayCommand, 64)
		c.wg.Add(1)
		go func(workerID int, queue <-chan *model.GiveawayCommand) {
			defer c.wg.Done()
			c.work(workerID, queue, handler)
		}(i, c.queues[i])
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.fetch()
	}()

	c.log.WithField("workers", c.numWorkers).Info("Kafka指令消费者已启动")
}

func (c *Consumer) fetch() {
	defer func() {
		for _, q := range c.queues {
			close(q)
		}
	}()

	for {
		m, err := c.reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("读取指令失败")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var cmd model.GiveawayCommand
		if err := json.Unmarshal(m.Value, &cmd); err != nil {
			c.log.WithError(err).WithField("offset", m.Offset).Warn("解析指令失败，已跳过")
			continue
		}

		key := cmd.GiveawayID
		if key == "" {
			key = string(m.Key)
		}
		select {
		case c.queues[workerFor(key, c.numWorkers)] <- &cmd:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) work(workerID int, queue <-chan *model.GiveawayCommand, handler CommandHandler) {
	for cmd := range queue {
		if err := handler(c.ctx, cmd); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"worker":   workerID,
				"type":     cmd.Type,
				"giveaway": cmd.GiveawayID,
			}).Warn("处理指令失败")
		}
	}
}

// Stop 停止消费并等待所有协程退出
func (c *Consumer) Stop() error {
	c.log.Info("正在停止Kafka指令消费者...")
	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("关闭消费者失败: %w", err)
	}
	c.log.Info("Kafka指令消费者已停止")
	return nil
}
