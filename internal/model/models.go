package model

import (
	"time"

	"gorm.io/datatypes"
)

// 告警类型常量。
//
// price_drop 每轮巡检只要条件成立就会重复产生（去重交给前端的已读状态），
// similar_item 在创建前会做消息子串去重，两者行为刻意不对称。
const (
	AlertKindPriceDrop   = "price_drop"
	AlertKindSimilarItem = "similar_item"
)

// Item 表示一个被追踪的商品。
//
// CurrentPrice 和 TargetPrice 都允许为空：新建的商品可能还没有抓到价格，
// 也可能用户只想看趋势而没有设定目标价。巡检只处理 IsActive 的商品。
type Item struct {
	ID        uint      `gorm:"primaryKey"` // 商品唯一标识
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间（每次成功抓价后刷新）

	Name         string   `gorm:"not null"` // 展示名称
	URL          string   `gorm:"not null"` // 商品页面链接
	CurrentPrice *float64 // 最近一次抓取到的价格（尚未抓到时为 nil）
	TargetPrice  *float64 // 目标价（到价提醒阈值，可为 nil）
	ImageURL     string   // 主图链接
	Description  string   `gorm:"type:text"`    // 自由文本描述（参与相似度计算）
	IsActive     bool     `gorm:"default:true"` // 是否参与巡检（软删除标记）

	PriceHistory []PriceHistory `gorm:"foreignKey:ItemID"` // 价格历史
	Alerts       []Alert        `gorm:"foreignKey:ItemID"` // 关联告警
}

// PriceHistory 是一条不可变的价格采样记录。
//
// 每轮巡检中每个成功抓价的商品恰好追加一条，之后不再修改或删除，
// 构成用于趋势展示的时间序列。
type PriceHistory struct {
	ID         uint      `gorm:"primaryKey"`
	ItemID     uint      `gorm:"index;not null"` // 所属商品
	Price      float64   `gorm:"not null"`       // 采样价格
	RecordedAt time.Time `gorm:"index"`          // 采样时间
}

// Alert 表示一次被检测到的告警事件。
//
// Kind 取值见 AlertKind* 常量。IsRead 由前端维护，引擎本身只创建告警，
// 唯一的读取场景是 similar_item 的消息子串去重。
type Alert struct {
	ID        uint      `gorm:"primaryKey"`
	ItemID    uint      `gorm:"index;not null"` // 关联商品
	Kind      string    `gorm:"not null"`       // 告警类型: price_drop / similar_item
	Message   string    `gorm:"type:text"`      // 人类可读的告警内容
	CreatedAt time.Time // 创建时间
	IsRead    bool      `gorm:"default:false"` // 是否已读（由前端翻转）
}

// EmbeddingCache 将文本内容哈希映射到向量，避免重复调用付费的向量接口。
//
// 每个内容哈希只有一条记录，引擎从不主动失效：描述变了就是新哈希，
// 旧条目只是不再命中。
type EmbeddingCache struct {
	ID        uint           `gorm:"primaryKey"`
	Hash      string         `gorm:"type:varchar(64);uniqueIndex;not null"` // 内容 SHA-256
	Vector    datatypes.JSON `gorm:"not null"`                              // JSON 序列化的 float32 向量
	Model     string         `gorm:"type:varchar(64)"`                      // 生成向量所用的模型版本
	CreatedAt time.Time
}
