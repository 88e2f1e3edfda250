package notify

import (
	"context"

	"pricetracker/internal/model"
)

// AlertNotification 一条待通知的告警及其所属商品。
type AlertNotification struct {
	Item  model.Item
	Alert model.Alert
}

// Notifier 告警派发接口。
//
// 巡检在事务提交之后把本轮新建的告警一次性交给 Notifier，
// 派发失败只记日志，不影响已落库的告警。
type Notifier interface {
	SendBatch(ctx context.Context, notifications []AlertNotification) error
}
