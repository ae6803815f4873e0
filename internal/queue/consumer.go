package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"CallWave/config"
	"CallWave/internal/cache"
	"CallWave/internal/dialer"
	"CallWave/internal/events"
	"CallWave/internal/model"
	"CallWave/pkg/errors"
	"CallWave/pkg/logger"
	"CallWave/pkg/metrics"
	"CallWave/pkg/sms"
	"CallWave/storage/mq"
)

// 三条消费链路：
//   dial.tasks   -> Dialer.HandleTask（幂等在 Dialer 内部按 dedupe key 做）
//   call.events  -> events.Router.HandleEvent（幂等在 Router 内部按 message_id 做）
//   sms.triggers -> sms.SendFollowUp（幂等在这里做）

// StartDialTaskConsumer 启动拨号任务消费者
func StartDialTaskConsumer(ctx context.Context, d *dialer.Dialer) error {
	handler := func(body []byte) error {
		var msg model.DialTaskMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			// 解析不了的消息重试也没用，直接作废
			return &errors.SkipMessageError{Reason: fmt.Sprintf("unparseable dial task: %v", err)}
		}
		return d.HandleTask(ctx, msg)
	}

	return mq.Consume(ctx, mq.ConsumeOptions{
		Queue:         mq.QueueDialTasks,
		ConsumerTag:   "dial_task_consumer",
		PrefetchCount: config.Cfg.DialPrefetchCount,
		Handler:       handler,
	})
}

// StartCallEventConsumer 启动呼叫事件消费者
func StartCallEventConsumer(ctx context.Context, r *events.Router) error {
	handler := func(body []byte) error {
		var msg model.CallEventMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return &errors.SkipMessageError{Reason: fmt.Sprintf("unparseable call event: %v", err)}
		}
		return r.HandleEvent(ctx, msg)
	}

	return mq.Consume(ctx, mq.ConsumeOptions{
		Queue:         mq.QueueCallEvents,
		ConsumerTag:   "call_event_consumer",
		PrefetchCount: 20,
		Handler:       handler,
	})
}

// StartSMSTriggerConsumer 启动短信触发消费者
func StartSMSTriggerConsumer(ctx context.Context) error {
	handler := func(body []byte) error {
		var msg model.SMSTriggerMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return &errors.SkipMessageError{Reason: fmt.Sprintf("unparseable sms trigger: %v", err)}
		}

		first, err := cache.TryMarkMessageProcessing(ctx, msg.MessageID, 24*time.Hour)
		if err != nil {
			logger.Logger.Warn("Failed to check message processed status",
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
			// 检查失败继续处理，宁可重发一条短信也不丢
		} else if !first {
			return &errors.SkipMessageError{Reason: fmt.Sprintf("message %s already processed", msg.MessageID)}
		}

		start := time.Now()
		err = sms.SendFollowUp(ctx, msg.PhoneNumber, msg.TemplateContext)
		elapsed := time.Since(start).Seconds()

		if err != nil {
			metrics.RecordSMSSent(ctx, config.Cfg.SMSProvider, "failed", elapsed)
			cache.UnmarkMessageProcessing(ctx, msg.MessageID)
			return fmt.Errorf("failed to send follow-up SMS: %w", err)
		}
		metrics.RecordSMSSent(ctx, config.Cfg.SMSProvider, "success", elapsed)

		if err := cache.MarkMessageProcessed(ctx, msg.MessageID, 48*time.Hour); err != nil {
			logger.Logger.Warn("Failed to mark message as processed",
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
		}

		logger.Logger.Info("Follow-up SMS sent",
			zap.String("message_id", msg.MessageID),
			zap.Int64("campaign_id", msg.CampaignID),
			zap.Int64("contact_id", msg.ContactID),
			zap.String("action", msg.Action),
		)
		return nil
	}

	return mq.Consume(ctx, mq.ConsumeOptions{
		Queue:         mq.QueueSMSTriggers,
		ConsumerTag:   "sms_trigger_consumer",
		PrefetchCount: 20,
		Handler:       handler,
	})
}

// StartAllConsumers 启动全部消费者，阻塞到所有消费循环退出。
func StartAllConsumers(ctx context.Context, d *dialer.Dialer, r *events.Router) {
	var wg sync.WaitGroup

	consumers := []struct {
		name     string
		consumer func(context.Context) error
	}{
		{"dial_task", func(ctx context.Context) error { return StartDialTaskConsumer(ctx, d) }},
		{"call_event", func(ctx context.Context) error { return StartCallEventConsumer(ctx, r) }},
		{"sms_trigger", StartSMSTriggerConsumer},
	}

	for _, c := range consumers {
		wg.Add(1)
		go func(name string, consumer func(context.Context) error) {
			defer wg.Done()

			logger.Logger.Info("Starting consumer",
				zap.String("consumer_name", name),
			)

			if err := consumer(ctx); err != nil {
				logger.Logger.Error("Consumer exited with error",
					zap.String("consumer_name", name),
					zap.Error(err),
				)
			}
		}(c.name, c.consumer)
	}

	wg.Wait()
}
