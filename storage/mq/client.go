package mq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"CallWave/config"
)

var (
	conn   *amqp.Connection
	mqOnce sync.Once
	mqErr  error
)

// 队列拓扑：所有拨号引擎消息走一个 topic exchange，
// 延迟重投走 x-delayed-message exchange（需要 rabbitmq_delayed_message_exchange 插件）。
const (
	ExchangeDial    = "dial.topic"
	ExchangeDelayed = "dial.delayed"

	QueueDialTasks   = "dial.tasks"
	QueueCallEvents  = "call.events"
	QueueSMSTriggers = "sms.triggers"

	RoutingKeyDialTask   = "dial.task"
	RoutingKeyCallEvent  = "call.event"
	RoutingKeySMSTrigger = "sms.trigger"
)

func Init() error {
	mqOnce.Do(func() {
		url := config.Cfg.GetRabbitMQURL()

		conn, mqErr = amqp.Dial(url)
		if mqErr != nil {
			return
		}

		ch, err := conn.Channel()
		if err != nil {
			mqErr = err
			return
		}
		defer ch.Close()

		mqErr = declareTopology(ch)
	})

	return mqErr
}

// Connection 返回进程级共享连接，消费者各自开 channel。
func Connection() *amqp.Connection {
	return conn
}

func Close(ctx context.Context) error {
	if conn == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeDial, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", ExchangeDial, err)
	}

	if err := ch.ExchangeDeclare(ExchangeDelayed, "x-delayed-message", true, false, false, false, amqp.Table{
		"x-delayed-type": "topic",
	}); err != nil {
		return fmt.Errorf("failed to declare delayed exchange %s: %w", ExchangeDelayed, err)
	}

	bindings := []struct {
		queue      string
		routingKey string
	}{
		{QueueDialTasks, RoutingKeyDialTask},
		{QueueCallEvents, RoutingKeyCallEvent},
		{QueueSMSTriggers, RoutingKeySMSTrigger},
	}

	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.routingKey, ExchangeDial, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", b.queue, err)
		}
		// 延迟重投也路由回同一个队列
		if err := ch.QueueBind(b.queue, b.routingKey, ExchangeDelayed, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to delayed exchange: %w", b.queue, err)
		}
	}

	return nil
}
