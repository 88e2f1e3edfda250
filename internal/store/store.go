package store

import (
	"context"
	"errors"
	"time"

	"pricetracker/internal/model"
)

// ErrNotFound 记录不存在。
var ErrNotFound = errors.New("record not found")

// CatalogStore 商品目录存取接口。
type CatalogStore interface {
	CreateItem(ctx context.Context, item *model.Item) error
	// ListItems 返回活跃商品（分页），供 API 列表使用。
	ListItems(ctx context.Context, offset, limit int) ([]model.Item, error)
	// ListActiveItems 返回全部活跃商品，巡检和相似度候选集都从这里取。
	ListActiveItems(ctx context.Context) ([]model.Item, error)
	GetItem(ctx context.Context, id uint) (*model.Item, error)
	// DeactivateItem 软删除：置 is_active=false，历史和告警保留。
	DeactivateItem(ctx context.Context, id uint) error
	UpdateCurrentPrice(ctx context.Context, id uint, price float64, at time.Time) error
}

// HistoryStore 价格历史存取接口。历史只追加，从不修改。
type HistoryStore interface {
	AppendPrice(ctx context.Context, itemID uint, price float64, at time.Time) (*model.PriceHistory, error)
	ListHistory(ctx context.Context, itemID uint) ([]model.PriceHistory, error)
}

// AlertStore 告警存取接口。
type AlertStore interface {
	CreateAlert(ctx context.Context, itemID uint, kind, message string) (*model.Alert, error)
	// ExistsSimilarMessage 检查是否已存在同类告警且消息包含给定子串。
	//
	// 这是对自由文本的子串包含检查，不是结构化去重键：共享子串会误判重复，
	// 候选商品改名后旧告警拦不住新告警。属于有意保留的已知局限。
	ExistsSimilarMessage(ctx context.Context, itemID uint, kind, substring string) (bool, error)
	ListAlerts(ctx context.Context, offset, limit int, unreadOnly bool) ([]model.Alert, error)
	GetAlert(ctx context.Context, id uint) (*model.Alert, error)
	MarkAlertRead(ctx context.Context, id uint) error
	MarkAllAlertsRead(ctx context.Context) error
	DeleteAlert(ctx context.Context, id uint) error
}

// EmbeddingCacheStore 向量缓存存取接口，键为内容哈希。
type EmbeddingCacheStore interface {
	GetEmbedding(ctx context.Context, hash string) ([]float32, bool, error)
	PutEmbedding(ctx context.Context, hash string, vector []float32, modelVersion string) error
}

// Store 聚合全部存取接口，并提供事务边界。
//
// 巡检的所有写入（价格更新、历史追加、告警创建）在一个 Transaction 中提交，
// 提交失败时整轮写入回滚，下一轮巡检自然重试。
type Store interface {
	CatalogStore
	HistoryStore
	AlertStore
	EmbeddingCacheStore

	// Transaction 在事务中执行 fn，fn 返回错误时回滚。
	Transaction(ctx context.Context, fn func(tx Store) error) error
}
