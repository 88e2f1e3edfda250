package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"pricetracker/internal/model"
	"pricetracker/internal/pkg/metrics"
	"pricetracker/internal/pkg/ratelimit"
	"pricetracker/internal/store"
)

// Embedder 把一段文本转成向量。实现方负责调用具体的向量服务。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match 相似度匹配结果。
type Match struct {
	Item       model.Item `json:"item"`
	Similarity float64    `json:"similarity"`
}

// Deal 比目标商品更便宜的相似商品。
type Deal struct {
	Item           model.Item `json:"item"`
	Similarity     float64    `json:"similarity"`
	Savings        float64    `json:"savings"`
	SavingsPercent float64    `json:"savings_percent"`
}

// Engine 基于向量相似度的商品匹配引擎。
//
// 向量按内容哈希缓存在数据库里，同一段文本只请求一次向量服务；
// 请求前经过全局限流器，多实例共享同一个配额。
// embedder 为 nil 时引擎退化为空结果，巡检和 API 其余功能不受影响。
type Engine struct {
	store        store.Store
	embedder     Embedder
	limiter      *ratelimit.RateLimiter
	modelVersion string
	threshold    float64
	discount     float64
	logger       *slog.Logger
}

// NewEngine 创建相似度引擎。
//
// 参数:
//   - threshold: 相似度下限，低于该值的候选直接丢弃
//   - discount: 好价折扣线，候选价 <= 目标价*(1-discount) 才算好价
func NewEngine(s store.Store, embedder Embedder, limiter *ratelimit.RateLimiter, modelVersion string, threshold, discount float64, logger *slog.Logger) *Engine {
	return &Engine{
		store:        s,
		embedder:     embedder,
		limiter:      limiter,
		modelVersion: modelVersion,
		threshold:    threshold,
		discount:     discount,
		logger:       logger,
	}
}

// Enabled 返回引擎是否配置了向量服务。
func (e *Engine) Enabled() bool {
	return e != nil && e.embedder != nil
}

// embeddingText 拼出送入向量服务的文本。描述为空时保留分隔空格，
// 保证同一商品在有无描述之间哈希不同步漂移。
func embeddingText(name, description string) string {
	return name + " " + description
}

// contentHash 返回文本的 SHA-256 十六进制摘要，作为向量缓存键。
func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// embedFor 取商品的向量，优先走缓存，未命中时限流后请求向量服务并回写。
func (e *Engine) embedFor(ctx context.Context, item model.Item) ([]float32, error) {
	text := embeddingText(item.Name, item.Description)
	hash := contentHash(text)

	vector, ok, err := e.store.GetEmbedding(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("lookup embedding cache: %w", err)
	}
	if ok {
		metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
		return vector, nil
	}
	metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()

	if err := e.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}

	vector, err = e.embedder.Embed(ctx, text)
	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("embed item %d: %w", item.ID, err)
	}
	metrics.EmbeddingRequestsTotal.WithLabelValues("success").Inc()

	if err := e.store.PutEmbedding(ctx, hash, vector, e.modelVersion); err != nil {
		// 缓存回写失败不影响本次结果，下次未命中再写。
		e.logger.Warn("failed to cache embedding",
			slog.Uint64("item_id", uint64(item.ID)),
			slog.String("error", err.Error()))
	}
	return vector, nil
}

// Cosine 计算两个向量的余弦相似度。
// 维度不一致或任一向量范数为零时返回 0。
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// FindSimilar 在候选集中找出与目标相似度不低于 minSim 的商品，按相似度降序。
// minSim <= 0 时使用引擎配置的阈值。
func (e *Engine) FindSimilar(ctx context.Context, target model.Item, candidates []model.Item, minSim float64) ([]Match, error) {
	if !e.Enabled() {
		e.logger.Warn("similarity engine disabled, no embedder configured")
		return []Match{}, nil
	}
	if minSim <= 0 {
		minSim = e.threshold
	}

	targetVec, err := e.embedFor(ctx, target)
	if err != nil {
		// 向量服务暂时不可用只影响匹配结果，不向调用方抛错。
		e.logger.Warn("embedding unavailable, similarity degraded to empty",
			slog.Uint64("item_id", uint64(target.ID)),
			slog.String("error", err.Error()))
		return []Match{}, nil
	}

	matches := make([]Match, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.ID == target.ID {
			continue
		}
		vec, err := e.embedFor(ctx, candidate)
		if err != nil {
			// 单个候选取向量失败不终止整次匹配。
			e.logger.Warn("skipping candidate, embedding failed",
				slog.Uint64("item_id", uint64(candidate.ID)),
				slog.String("error", err.Error()))
			continue
		}
		sim := Cosine(targetVec, vec)
		if sim >= minSim {
			matches = append(matches, Match{Item: candidate, Similarity: sim})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	return matches, nil
}

// FindBetterDeals 在相似商品里筛出明显更便宜的。
//
// 候选价必须不高于目标当前价的 (1-discount) 倍才算好价；
// 目标没有当前价时无从比较，所有相似商品原样返回且不计节省额。
func (e *Engine) FindBetterDeals(ctx context.Context, target model.Item, candidates []model.Item, minSim float64) ([]Deal, error) {
	matches, err := e.FindSimilar(ctx, target, candidates, minSim)
	if err != nil {
		return nil, err
	}

	deals := make([]Deal, 0, len(matches))
	for _, m := range matches {
		// 零价和负价当作无价处理，避免除零。
		if target.CurrentPrice == nil || *target.CurrentPrice <= 0 {
			deals = append(deals, Deal{Item: m.Item, Similarity: m.Similarity})
			continue
		}
		if m.Item.CurrentPrice == nil {
			continue
		}
		current := *target.CurrentPrice
		candidate := *m.Item.CurrentPrice
		if candidate > current*(1-e.discount) {
			continue
		}
		deals = append(deals, Deal{
			Item:           m.Item,
			Similarity:     m.Similarity,
			Savings:        current - candidate,
			SavingsPercent: (current - candidate) / current * 100,
		})
	}
	return deals, nil
}

// FindSimilarByID 按商品 ID 匹配，候选集为全部其它活跃商品。
func (e *Engine) FindSimilarByID(ctx context.Context, id uint, minSim float64) ([]Match, error) {
	target, candidates, err := e.loadTargetAndCandidates(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.FindSimilar(ctx, *target, candidates, minSim)
}

// FindBetterDealsByID 按商品 ID 找好价，候选集为全部其它活跃商品。
func (e *Engine) FindBetterDealsByID(ctx context.Context, id uint) ([]Deal, error) {
	target, candidates, err := e.loadTargetAndCandidates(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.FindBetterDeals(ctx, *target, candidates, 0)
}

func (e *Engine) loadTargetAndCandidates(ctx context.Context, id uint) (*model.Item, []model.Item, error) {
	target, err := e.store.GetItem(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	all, err := e.store.ListActiveItems(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list candidates: %w", err)
	}
	candidates := make([]model.Item, 0, len(all))
	for _, it := range all {
		if it.ID != id {
			candidates = append(candidates, it)
		}
	}
	return target, candidates, nil
}

// DealAlertMessage 生成好价告警的消息文本。
func DealAlertMessage(d Deal) string {
	price := 0.0
	if d.Item.CurrentPrice != nil {
		price = *d.Item.CurrentPrice
	}
	return fmt.Sprintf("Found similar item '%s' for $%.2f (%.0f%% cheaper, save $%.2f)",
		d.Item.Name, price, d.SavingsPercent, d.Savings)
}

// CreateAlertsForBetterDeals 为一批好价创建 similar_item 告警，返回新建的告警。
//
// 去重基于候选商品名的子串匹配：同一候选已经出现在某条未删除的
// similar_item 告警消息里时跳过，价格再变也不会重复告警。
func (e *Engine) CreateAlertsForBetterDeals(ctx context.Context, tx store.Store, item model.Item, deals []Deal) ([]model.Alert, error) {
	created := make([]model.Alert, 0, len(deals))
	for _, d := range deals {
		exists, err := tx.ExistsSimilarMessage(ctx, item.ID, model.AlertKindSimilarItem, d.Item.Name)
		if err != nil {
			return created, fmt.Errorf("check alert dedup: %w", err)
		}
		if exists {
			continue
		}
		alert, err := tx.CreateAlert(ctx, item.ID, model.AlertKindSimilarItem, DealAlertMessage(d))
		if err != nil {
			return created, fmt.Errorf("create similar item alert: %w", err)
		}
		metrics.AlertsCreatedTotal.WithLabelValues(model.AlertKindSimilarItem).Inc()
		created = append(created, *alert)
	}
	return created, nil
}
