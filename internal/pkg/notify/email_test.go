package notify

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"pricetracker/internal/config"
	"pricetracker/internal/model"
	"pricetracker/internal/pkg/metrics"
)

func TestSendBatchSkipsWhenConfigMissing(t *testing.T) {
	metrics.InitMetrics()
	n := NewEmailNotifier(&config.EmailConfig{}, slog.Default())

	price := 85.0
	err := n.SendBatch(context.Background(), []AlertNotification{{
		Item:  model.Item{ID: 1, Name: "laptop", CurrentPrice: &price},
		Alert: model.Alert{Kind: model.AlertKindPriceDrop, Message: "x"},
	}})
	if err != nil {
		t.Fatalf("expected silent skip on missing config, got %v", err)
	}
}

func TestSendBatchEmptyIsNoop(t *testing.T) {
	metrics.InitMetrics()
	n := NewEmailNotifier(&config.EmailConfig{}, slog.Default())
	if err := n.SendBatch(context.Background(), nil); err != nil {
		t.Fatalf("expected nil for empty batch, got %v", err)
	}
}

func TestBuildHTMLBody(t *testing.T) {
	n := NewEmailNotifier(&config.EmailConfig{}, slog.Default())
	price := 85.0
	body := n.buildHTMLBody([]AlertNotification{
		{
			Item:  model.Item{Name: "laptop <pro>", URL: "https://shop.example/1", CurrentPrice: &price},
			Alert: model.Alert{Kind: model.AlertKindPriceDrop, Message: "Price dropped to $85.00 (target: $90.00)"},
		},
		{
			Item:  model.Item{Name: "notebook", URL: "https://shop.example/2"},
			Alert: model.Alert{Kind: model.AlertKindSimilarItem, Message: "Found similar item 'x' for $80.00 (20% cheaper, save $20.00)"},
		},
	})

	for _, want := range []string{
		"laptop &lt;pro&gt;",
		"$85.00",
		"Price dropped to $85.00 (target: $90.00)",
		"降价提醒",
		"相似好价",
		"https://shop.example/2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}
