package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"pricetracker/internal/config"
	"pricetracker/internal/model"
	"pricetracker/internal/pkg/metrics"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知，一封邮件汇总一轮巡检的全部告警。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// SendBatch 把一批告警汇总成一封邮件发出。空批次直接返回。
func (n *EmailNotifier) SendBatch(ctx context.Context, notifications []AlertNotification) error {
	if len(notifications) == 0 {
		return nil
	}
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(n.cfg.ToEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", fmt.Sprintf("[PriceTracker] 🔔 价格提醒（%d 条）", len(notifications)))
	m.SetBody("text/html", n.buildHTMLBody(notifications))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)

	if err := d.DialAndSend(m); err != nil {
		metrics.NotifyDispatchTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("send email: %w", err)
	}

	metrics.NotifyDispatchTotal.WithLabelValues("success").Inc()
	n.logger.Info("email notification sent",
		slog.String("to", n.cfg.ToEmail),
		slog.Int("alerts", len(notifications)))
	return nil
}

func (n *EmailNotifier) buildHTMLBody(notifications []AlertNotification) string {
	var cards strings.Builder
	for _, nt := range notifications {
		badge := "💰 降价提醒"
		if nt.Alert.Kind == model.AlertKindSimilarItem {
			badge = "🔍 相似好价"
		}
		priceLine := ""
		if nt.Item.CurrentPrice != nil {
			priceLine = fmt.Sprintf("$%.2f", *nt.Item.CurrentPrice)
		}
		cards.WriteString(fmt.Sprintf(`
      <div class="item">
        <div class="badge">%s</div>
        <div class="name"><a href="%s" target="_blank">%s</a></div>
        <div class="price">%s</div>
        <div class="message">%s</div>
      </div>`,
			badge,
			html.EscapeString(nt.Item.URL),
			html.EscapeString(nt.Item.Name),
			priceLine,
			html.EscapeString(nt.Alert.Message)))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .item { padding: 16px 20px; border-bottom: 1px solid #e5e7eb; }
  .badge { font-size: 12px; color: #6b7280; margin-bottom: 4px; }
  .name { font-size: 15px; margin-bottom: 4px; }
  .name a { color: #1f2937; text-decoration: none; font-weight: bold; }
  .price { font-size: 20px; font-weight: bold; color: #ef4444; margin-bottom: 4px; }
  .message { font-size: 13px; color: #374151; }
  .footer { padding: 12px 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[PriceTracker] 🔔 价格提醒</div>%s
    <div class="footer">本邮件由价格巡检自动发送。</div>
  </div>
</body>
</html>`, cards.String())
}
