package mq

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"CallWave/pkg/errors"
	"CallWave/pkg/logger"
)

type MessageHandler func([]byte) error

type ConsumeOptions struct {
	Queue         string
	ConsumerTag   string
	PrefetchCount int
	Handler       MessageHandler
}

// Consume 阻塞消费一个队列直到 channel 关闭或 ctx 取消。
// 错误语义：
//   - SkipMessageError: ack，不再投递（重复消息/毒消息）
//   - RequeueError:     ack 原消息，处理方已经自己延迟重投（限流等正常控制流，不记错误日志）
//   - 其他错误:          nack + requeue
func Consume(ctx context.Context, opts ConsumeOptions) error {
	conn := Connection()

	if conn == nil {
		return fmt.Errorf("RabbitMQ connection is nil")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	msgs, err := ch.Consume(
		opts.Queue,
		opts.ConsumerTag,
		false, // auto-ack = false
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Logger.Info("Started consuming messages",
		zap.String("queue", opts.Queue),
		zap.String("consumer_tag", opts.ConsumerTag),
		zap.Int("prefetch_count", opts.PrefetchCount),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer channel closed: %s", opts.Queue)
			}

			err := opts.Handler(msg.Body)
			switch {
			case err == nil:
				msg.Ack(false)

			case errors.IsSkipMessageError(err):
				logger.Logger.Info("Skipping message",
					zap.String("queue", opts.Queue),
					zap.Error(err),
				)
				msg.Ack(false)

			case errors.IsRequeueError(err):
				// 限流等预期路径：handler 已经把副本投到延迟交换机，这里只 ack
				msg.Ack(false)

			default:
				logger.Logger.Error("Failed to process message",
					zap.String("queue", opts.Queue),
					zap.String("consumer_tag", opts.ConsumerTag),
					zap.Error(err),
				)
				msg.Nack(false, true) // requeue = true
			}
		}
	}
}
