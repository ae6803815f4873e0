package queue

import (
	"context"
	"fmt"
	"time"

	"CallWave/internal/model"
	"CallWave/pkg/logger"
	"CallWave/pkg/snowflake"
	"CallWave/storage/mq"

	"go.uber.org/zap"
)

// PublishDialTask 发布拨号任务（Selector -> dial.tasks）
func PublishDialTask(ctx context.Context, msg model.DialTaskMessage) error {
	if msg.MessageID == "" {
		id, err := snowflake.NextString()
		if err != nil {
			logger.Logger.Error("Failed to generate message ID",
				zap.Int64("campaign_id", msg.CampaignID),
				zap.Int64("contact_id", msg.ContactID),
				zap.Error(err),
			)
			return fmt.Errorf("failed to generate message ID: %w", err)
		}
		msg.MessageID = fmt.Sprintf("dial_%s", id)
	}

	err := mq.PublishMessage(ctx, mq.ExchangeDial, mq.RoutingKeyDialTask, msg)
	if err != nil {
		logger.Logger.Error("Failed to publish dial task",
			zap.String("message_id", msg.MessageID),
			zap.Int64("campaign_id", msg.CampaignID),
			zap.Int64("contact_id", msg.ContactID),
			zap.Error(err),
		)
		return err
	}

	logger.Logger.Debug("Published dial task",
		zap.String("message_id", msg.MessageID),
		zap.Int64("campaign_id", msg.CampaignID),
		zap.Int64("contact_id", msg.ContactID),
		zap.Int("attempt", msg.Attempt),
	)
	return nil
}

// PublishDelayedDialTask 延迟重投拨号任务（限流拒绝的退避路径）。
// 消息走 x-delayed-message 交换机，delay 后才回到 dial.tasks。
func PublishDelayedDialTask(ctx context.Context, msg model.DialTaskMessage, delay time.Duration) error {
	if msg.MessageID == "" {
		id, err := snowflake.NextString()
		if err != nil {
			return fmt.Errorf("failed to generate message ID: %w", err)
		}
		msg.MessageID = fmt.Sprintf("dial_%s", id)
	}

	err := mq.PublishDelayedMessage(ctx, mq.ExchangeDelayed, mq.RoutingKeyDialTask, delay, msg)
	if err != nil {
		logger.Logger.Error("Failed to publish delayed dial task",
			zap.String("message_id", msg.MessageID),
			zap.Int64("campaign_id", msg.CampaignID),
			zap.Int64("contact_id", msg.ContactID),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		return err
	}

	logger.Logger.Debug("Published delayed dial task",
		zap.String("message_id", msg.MessageID),
		zap.Int64("campaign_id", msg.CampaignID),
		zap.Int64("contact_id", msg.ContactID),
		zap.Int("redeliveries", msg.Redeliveries),
		zap.Duration("delay", delay),
	)
	return nil
}

// PublishCallEvent 发布终态呼叫事件（状态机 -> call.events）
func PublishCallEvent(ctx context.Context, msg model.CallEventMessage) error {
	if msg.MessageID == "" {
		id, err := snowflake.NextString()
		if err != nil {
			logger.Logger.Error("Failed to generate message ID",
				zap.String("call_id", msg.CallID),
				zap.Error(err),
			)
			return fmt.Errorf("failed to generate message ID: %w", err)
		}
		msg.MessageID = fmt.Sprintf("callev_%s", id)
	}

	err := mq.PublishMessage(ctx, mq.ExchangeDial, mq.RoutingKeyCallEvent, msg)
	if err != nil {
		logger.Logger.Error("Failed to publish call event",
			zap.String("message_id", msg.MessageID),
			zap.String("call_id", msg.CallID),
			zap.String("outcome", string(msg.Outcome)),
			zap.Error(err),
		)
		return err
	}

	logger.Logger.Info("Published call event",
		zap.String("message_id", msg.MessageID),
		zap.String("call_id", msg.CallID),
		zap.Int64("campaign_id", msg.CampaignID),
		zap.String("outcome", string(msg.Outcome)),
	)
	return nil
}

// PublishSMSTrigger 发布短信触发消息（事后路由 -> sms.triggers）
func PublishSMSTrigger(ctx context.Context, msg model.SMSTriggerMessage) error {
	if msg.MessageID == "" {
		id, err := snowflake.NextString()
		if err != nil {
			logger.Logger.Error("Failed to generate message ID",
				zap.Int64("campaign_id", msg.CampaignID),
				zap.Int64("contact_id", msg.ContactID),
				zap.Error(err),
			)
			return fmt.Errorf("failed to generate message ID: %w", err)
		}
		msg.MessageID = fmt.Sprintf("smstrig_%s", id)
	}

	err := mq.PublishMessage(ctx, mq.ExchangeDial, mq.RoutingKeySMSTrigger, msg)
	if err != nil {
		logger.Logger.Error("Failed to publish SMS trigger",
			zap.String("message_id", msg.MessageID),
			zap.Int64("campaign_id", msg.CampaignID),
			zap.Int64("contact_id", msg.ContactID),
			zap.String("action", msg.Action),
			zap.Error(err),
		)
		return err
	}

	logger.Logger.Info("Published SMS trigger",
		zap.String("message_id", msg.MessageID),
		zap.Int64("campaign_id", msg.CampaignID),
		zap.Int64("contact_id", msg.ContactID),
		zap.String("action", msg.Action),
	)
	return nil
}
