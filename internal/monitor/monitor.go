package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"pricetracker/internal/model"
	"pricetracker/internal/pkg/metrics"
	"pricetracker/internal/pkg/notify"
	"pricetracker/internal/pkg/passlock"
	"pricetracker/internal/pkg/queue"
	"pricetracker/internal/scraper"
	"pricetracker/internal/similarity"
	"pricetracker/internal/store"

	"github.com/redis/go-redis/v9"
)

const statusKey = "pricetracker:monitor:last_pass"

// 巡检写入阶段不跟随外部取消，给一个独立的提交上限。
const commitTimeout = 30 * time.Second

// Extractor 从商品页提取价格等信息。
type Extractor interface {
	Extract(ctx context.Context, url string) (*scraper.Result, error)
}

// DealFinder 巡检内嵌的相似好价匹配。
type DealFinder interface {
	Enabled() bool
	FindBetterDeals(ctx context.Context, target model.Item, candidates []model.Item, minSim float64) ([]similarity.Deal, error)
	CreateAlertsForBetterDeals(ctx context.Context, tx store.Store, item model.Item, deals []similarity.Deal) ([]model.Alert, error)
}

// PassStatus 最近一轮巡检的结果快照，写入 Redis 供状态接口读取。
type PassStatus struct {
	LastRun       time.Time `json:"last_run"`
	DurationMs    int64     `json:"duration_ms"`
	ItemsTotal    int       `json:"items_total"`
	ItemsChecked  int       `json:"items_checked"`
	AlertsCreated int       `json:"alerts_created"`
	Status        string    `json:"status"`
}

// Monitor 价格巡检调度器。
//
// 定时器和手动触发都只是把巡检任务投进一个容量为 1、单 worker 的队列：
// 巡检进行中再来一次触发会排队一次，更多触发直接丢弃，保证任何时刻
// 最多一轮巡检在跑。跨实例互斥由 Redis 锁兜底。
type Monitor struct {
	store            store.Store
	extractor        Extractor
	deals            DealFinder
	notifier         notify.Notifier
	lock             *passlock.Lock
	rdb              *redis.Client
	logger           *slog.Logger
	interval         time.Duration
	similarityInPass bool
	queue            *queue.Queue

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewMonitor 创建巡检调度器。interval 非法时退回 6 小时。
func NewMonitor(s store.Store, extractor Extractor, deals DealFinder, notifier notify.Notifier,
	lock *passlock.Lock, rdb *redis.Client, logger *slog.Logger,
	interval time.Duration, similarityInPass bool) *Monitor {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Monitor{
		store:            s,
		extractor:        extractor,
		deals:            deals,
		notifier:         notifier,
		lock:             lock,
		rdb:              rdb,
		logger:           logger,
		interval:         interval,
		similarityInPass: similarityInPass,
		queue:            queue.NewQueue(logger, 1, 1),
	}
}

// Start 启动巡检循环：启动即跑第一轮，之后按固定周期触发。
// 已在运行时重复调用是空操作。
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.queue.Start(runCtx)

	go m.loop(runCtx)
	m.logger.Info("price monitor started", slog.Duration("interval", m.interval))
}

// Stop 停止定时触发并等待进行中的巡检收尾。
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if err := m.queue.ShutdownWithTimeout(commitTimeout); err != nil {
		m.logger.Warn("monitor queue shutdown", slog.String("error", err.Error()))
	}
	m.logger.Info("price monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	m.enqueuePass()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.enqueuePass()
		}
	}
}

func (m *Monitor) enqueuePass() {
	if !m.queue.Enqueue(m.runPass) {
		// 巡检已在排队或进行中，跳过这次触发。
		m.logger.Debug("monitor pass already pending, tick dropped")
	}
}

// TriggerPass 手动触发一轮巡检。巡检已在排队或进行中时返回 false。
func (m *Monitor) TriggerPass() bool {
	return m.queue.Enqueue(m.runPass)
}

// Status 返回最近一轮巡检的快照；还没跑过时 ok 为 false。
func (m *Monitor) Status(ctx context.Context) (*PassStatus, bool, error) {
	if m.rdb == nil {
		return nil, false, nil
	}
	raw, err := m.rdb.Get(ctx, statusKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read pass status: %w", err)
	}
	var status PassStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, false, fmt.Errorf("decode pass status: %w", err)
	}
	return &status, true, nil
}

// pendingAlert 单品评估阶段产出的待落库告警。
type pendingAlert struct {
	kind    string
	message string
}

// itemResult 单品评估结果。err 非空时该商品本轮不产生任何写入。
type itemResult struct {
	item     model.Item
	price    float64
	hasPrice bool
	err      error
	alerts   []pendingAlert
	deals    []similarity.Deal
}

// runPass 执行一轮完整巡检。
//
// 评估阶段（抓取、比价、相似度匹配）在事务外进行，所有写入
// （价格更新、历史追加、告警创建）在一个事务里提交，提交失败整轮回滚，
// 下一轮周期自然重试。通知只在提交成功后派发。
func (m *Monitor) runPass(ctx context.Context) error {
	acquired, err := m.lock.TryAcquire(ctx)
	if err != nil {
		metrics.MonitorPassesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("acquire pass lock: %w", err)
	}
	if !acquired {
		metrics.MonitorPassesTotal.WithLabelValues("skipped").Inc()
		m.logger.Info("monitor pass held by another instance, skipping")
		return nil
	}
	defer func() {
		if err := m.lock.Release(context.Background()); err != nil {
			m.logger.Warn("release pass lock", slog.String("error", err.Error()))
		}
	}()

	start := time.Now()
	m.logger.Info("monitor pass started")

	items, err := m.store.ListActiveItems(ctx)
	if err != nil {
		metrics.MonitorPassesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("list active items: %w", err)
	}

	results := make([]itemResult, 0, len(items))
	for _, item := range items {
		// 停机和取消只在单品边界生效，进行中的商品评估完再退出。
		if ctx.Err() != nil {
			metrics.MonitorPassesTotal.WithLabelValues("failed").Inc()
			m.logger.Warn("monitor pass aborted", slog.String("error", ctx.Err().Error()))
			return ctx.Err()
		}
		results = append(results, m.evaluateItem(ctx, item))
	}

	notifications, alertsCreated, err := m.commitPass(results)
	if err != nil {
		metrics.MonitorPassesTotal.WithLabelValues("failed").Inc()
		return err
	}

	if len(notifications) > 0 {
		if err := m.notifier.SendBatch(ctx, notifications); err != nil {
			// 告警已落库，派发失败不让巡检失败。
			m.logger.Error("dispatch notifications", slog.String("error", err.Error()))
		}
	}

	checked := 0
	for _, r := range results {
		if r.err == nil && r.hasPrice {
			checked++
		}
	}
	duration := time.Since(start)
	m.writeStatus(PassStatus{
		LastRun:       start.UTC(),
		DurationMs:    duration.Milliseconds(),
		ItemsTotal:    len(items),
		ItemsChecked:  checked,
		AlertsCreated: alertsCreated,
		Status:        "success",
	})

	metrics.MonitorPassesTotal.WithLabelValues("success").Inc()
	metrics.MonitorPassDuration.Observe(duration.Seconds())
	m.logger.Info("monitor pass finished",
		slog.Int("items_total", len(items)),
		slog.Int("items_checked", checked),
		slog.Int("alerts_created", alertsCreated),
		slog.Duration("duration", duration))
	return nil
}

// evaluateItem 评估单个商品：抓价、比价、按需匹配相似好价。
// 任何失败（包括 panic）都只隔离到该商品。
func (m *Monitor) evaluateItem(ctx context.Context, item model.Item) (res itemResult) {
	res.item = item
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("panic while checking item %d: %v", item.ID, r)
			metrics.ItemsCheckedTotal.WithLabelValues("failed").Inc()
			m.logger.Error("item check panicked",
				slog.Uint64("item_id", uint64(item.ID)),
				slog.Any("panic", r))
		}
	}()

	result, err := m.extractor.Extract(ctx, item.URL)
	if err != nil {
		res.err = err
		metrics.ItemsCheckedTotal.WithLabelValues("failed").Inc()
		m.logger.Warn("item check failed",
			slog.Uint64("item_id", uint64(item.ID)),
			slog.String("url", item.URL),
			slog.String("error", err.Error()))
		return res
	}
	if result.Price == nil {
		metrics.ItemsCheckedTotal.WithLabelValues("no_price").Inc()
		m.logger.Warn("no price found on page",
			slog.Uint64("item_id", uint64(item.ID)),
			slog.String("url", item.URL))
		return res
	}

	price := *result.Price
	res.price = price
	res.hasPrice = true
	metrics.ItemsCheckedTotal.WithLabelValues("success").Inc()

	if item.CurrentPrice != nil && *item.CurrentPrice > 0 {
		changePct := (price - *item.CurrentPrice) / *item.CurrentPrice * 100
		if math.Abs(changePct) > 5 {
			m.logger.Info("significant price change",
				slog.Uint64("item_id", uint64(item.ID)),
				slog.Float64("old_price", *item.CurrentPrice),
				slog.Float64("new_price", price),
				slog.String("change_pct", fmt.Sprintf("%+.1f%%", changePct)))
		}
	}

	// 目标价达成每轮都告警，条件持续成立就持续提醒。
	if item.TargetPrice != nil && price <= *item.TargetPrice {
		res.alerts = append(res.alerts, pendingAlert{
			kind:    model.AlertKindPriceDrop,
			message: fmt.Sprintf("Price dropped to $%.2f (target: $%.2f)", price, *item.TargetPrice),
		})
	}

	if m.similarityInPass && m.deals != nil && m.deals.Enabled() {
		res.deals = m.findDeals(ctx, item, price)
	}
	return res
}

// findDeals 以本轮新价为基准找相似好价。失败只记日志。
func (m *Monitor) findDeals(ctx context.Context, item model.Item, newPrice float64) []similarity.Deal {
	candidates, err := m.store.ListActiveItems(ctx)
	if err != nil {
		m.logger.Warn("list similarity candidates",
			slog.Uint64("item_id", uint64(item.ID)),
			slog.String("error", err.Error()))
		return nil
	}
	filtered := candidates[:0]
	for _, c := range candidates {
		if c.ID != item.ID {
			filtered = append(filtered, c)
		}
	}
	target := item
	target.CurrentPrice = &newPrice
	deals, err := m.deals.FindBetterDeals(ctx, target, filtered, 0)
	if err != nil {
		m.logger.Warn("find better deals",
			slog.Uint64("item_id", uint64(item.ID)),
			slog.String("error", err.Error()))
		return nil
	}
	return deals
}

// commitPass 在一个事务里落库本轮的全部写入，返回待派发的通知。
//
// 提交用独立的后台上下文，避免外部取消把写了一半的事务打断。
func (m *Monitor) commitPass(results []itemResult) ([]notify.AlertNotification, int, error) {
	txCtx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	var notifications []notify.AlertNotification
	alertsCreated := 0

	err := m.store.Transaction(txCtx, func(tx store.Store) error {
		for _, r := range results {
			if r.err != nil || !r.hasPrice {
				continue
			}
			now := time.Now().UTC()
			if err := tx.UpdateCurrentPrice(txCtx, r.item.ID, r.price, now); err != nil {
				return fmt.Errorf("update price for item %d: %w", r.item.ID, err)
			}
			if _, err := tx.AppendPrice(txCtx, r.item.ID, r.price, now); err != nil {
				return fmt.Errorf("append history for item %d: %w", r.item.ID, err)
			}

			updated := r.item
			updated.CurrentPrice = &r.price

			for _, pa := range r.alerts {
				alert, err := tx.CreateAlert(txCtx, r.item.ID, pa.kind, pa.message)
				if err != nil {
					return fmt.Errorf("create alert for item %d: %w", r.item.ID, err)
				}
				metrics.AlertsCreatedTotal.WithLabelValues(pa.kind).Inc()
				notifications = append(notifications, notify.AlertNotification{Item: updated, Alert: *alert})
				alertsCreated++
			}

			if len(r.deals) > 0 {
				created, err := m.deals.CreateAlertsForBetterDeals(txCtx, tx, updated, r.deals)
				if err != nil {
					return fmt.Errorf("create deal alerts for item %d: %w", r.item.ID, err)
				}
				for _, alert := range created {
					notifications = append(notifications, notify.AlertNotification{Item: updated, Alert: alert})
					alertsCreated++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("commit monitor pass: %w", err)
	}
	return notifications, alertsCreated, nil
}

func (m *Monitor) writeStatus(status PassStatus) {
	if m.rdb == nil {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.rdb.Set(ctx, statusKey, data, 0).Err(); err != nil {
		m.logger.Warn("write pass status", slog.String("error", err.Error()))
	}
}
