package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pricetracker/internal/api/middleware"
	"pricetracker/internal/config"
	"pricetracker/internal/model"
	"pricetracker/internal/monitor"
	"pricetracker/internal/scraper"
	"pricetracker/internal/similarity"
	"pricetracker/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 存储、抓取、相似度和巡检都以接口注入，便于在测试里替换。
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	router    *gin.Engine
	store     store.Store
	rdb       *redis.Client
	extractor Extractor
	sim       SimilarityService
	mon       MonitorService
}

// Extractor 商品页抓取接口。
type Extractor interface {
	Extract(ctx context.Context, url string) (*scraper.Result, error)
}

// SimilarityService 相似商品匹配接口。
type SimilarityService interface {
	Enabled() bool
	FindSimilarByID(ctx context.Context, id uint, minSim float64) ([]similarity.Match, error)
	FindBetterDealsByID(ctx context.Context, id uint) ([]similarity.Deal, error)
	CreateAlertsForBetterDeals(ctx context.Context, tx store.Store, item model.Item, deals []similarity.Deal) ([]model.Alert, error)
}

// MonitorService 巡检触发与状态查询接口。
type MonitorService interface {
	TriggerPass() bool
	Status(ctx context.Context) (*monitor.PassStatus, bool, error)
}

// NewServer 初始化 API 服务器并注册全部路由。
func NewServer(cfg *config.Config, logger *slog.Logger, st store.Store, rdb *redis.Client,
	extractor Extractor, sim SimilarityService, mon MonitorService) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    r,
		store:     st,
		rdb:       rdb,
		extractor: extractor,
		sim:       sim,
		mon:       mon,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/healthz", s.handleHealthz)

	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/items", s.handleCreateItem)
	s.router.GET("/items", s.handleListItems)
	s.router.GET("/items/:id", s.handleGetItem)
	s.router.DELETE("/items/:id", s.handleDeleteItem)
	s.router.GET("/items/:id/history", s.handleListHistory)
	s.router.GET("/items/:id/similar", s.handleFindSimilar)
	s.router.GET("/items/:id/better-deals", s.handleBetterDeals)
	s.router.POST("/items/:id/find-alternatives", s.handleFindAlternatives)

	s.router.GET("/alerts", s.handleListAlerts)
	s.router.GET("/alerts/:id", s.handleGetAlert)
	s.router.PATCH("/alerts/:id/read", s.handleMarkAlertRead)
	s.router.POST("/alerts/read-all", s.handleMarkAllAlertsRead)
	s.router.DELETE("/alerts/:id", s.handleDeleteAlert)

	s.router.POST("/monitor/run", s.handleRunMonitor)
	s.router.GET("/monitor/status", s.handleMonitorStatus)
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Price Tracker API"})
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.store.ListItems(ctx, 0, 1); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// createItemRequest 创建追踪商品的请求参数。
type createItemRequest struct {
	URL         string   `json:"url" binding:"required"`
	Name        string   `json:"name"`
	TargetPrice *float64 `json:"target_price"`
	Description string   `json:"description"`
}

type itemResponse struct {
	ID           uint      `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	CurrentPrice *float64  `json:"current_price"`
	TargetPrice  *float64  `json:"target_price"`
	ImageURL     string    `json:"image_url"`
	Description  string    `json:"description"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type historyResponse struct {
	ID         uint      `json:"id"`
	ItemID     uint      `json:"item_id"`
	Price      float64   `json:"price"`
	RecordedAt time.Time `json:"recorded_at"`
}

type alertResponse struct {
	ID        uint      `json:"id"`
	ItemID    uint      `json:"item_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

type matchResponse struct {
	Item       itemResponse `json:"item"`
	Similarity float64      `json:"similarity"`
}

type dealResponse struct {
	Item           itemResponse `json:"item"`
	Similarity     float64      `json:"similarity"`
	Savings        float64      `json:"savings"`
	SavingsPercent float64      `json:"savings_percent"`
}

func toItemResponse(item model.Item) itemResponse {
	return itemResponse{
		ID:           item.ID,
		Name:         item.Name,
		URL:          item.URL,
		CurrentPrice: item.CurrentPrice,
		TargetPrice:  item.TargetPrice,
		ImageURL:     item.ImageURL,
		Description:  item.Description,
		IsActive:     item.IsActive,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}
}

func toAlertResponse(a model.Alert) alertResponse {
	return alertResponse{
		ID:        a.ID,
		ItemID:    a.ItemID,
		Kind:      a.Kind,
		Message:   a.Message,
		IsRead:    a.IsRead,
		CreatedAt: a.CreatedAt,
	}
}

// handleCreateItem 创建追踪商品并立即抓取一次初始数据。
//
// POST /items
func (s *Server) handleCreateItem(c *gin.Context) {
	var req createItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid url"})
		return
	}
	if req.TargetPrice != nil && *req.TargetPrice <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target_price"})
		return
	}

	item := model.Item{
		Name:        strings.TrimSpace(req.Name),
		URL:         req.URL,
		TargetPrice: req.TargetPrice,
		Description: req.Description,
		IsActive:    true,
	}

	// 初始抓取失败不阻塞创建，价格留空等下一轮巡检补上。
	result, err := s.extractor.Extract(c.Request.Context(), req.URL)
	if err != nil {
		s.logger.Warn("initial scrape failed",
			slog.String("url", req.URL),
			slog.String("error", err.Error()))
	} else if result != nil {
		item.CurrentPrice = result.Price
		item.ImageURL = result.ImageURL
		if item.Name == "" {
			item.Name = strings.TrimSpace(result.Title)
		}
	}
	if item.Name == "" {
		item.Name = req.URL
	}

	err = s.store.Transaction(c.Request.Context(), func(tx store.Store) error {
		if err := tx.CreateItem(c.Request.Context(), &item); err != nil {
			return err
		}
		if item.CurrentPrice != nil {
			if _, err := tx.AppendPrice(c.Request.Context(), item.ID, *item.CurrentPrice, time.Now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("create item failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create item failed"})
		return
	}

	c.JSON(http.StatusCreated, toItemResponse(item))
}

// handleListItems 返回活跃商品列表。
//
// GET /items?limit=50&offset=0
func (s *Server) handleListItems(c *gin.Context) {
	limit := parseQueryInt(c, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseQueryInt(c, "offset", 0)

	items, err := s.store.ListItems(c.Request.Context(), offset, limit)
	if err != nil {
		s.logger.Error("list items failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list items failed"})
		return
	}
	resp := make([]itemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, toItemResponse(it))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetItem(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	item, err := s.store.GetItem(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		s.logger.Error("get item failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get item failed"})
		return
	}
	c.JSON(http.StatusOK, toItemResponse(*item))
}

// handleDeleteItem 软删除：商品退出巡检，历史和告警保留。
//
// DELETE /items/:id
func (s *Server) handleDeleteItem(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.store.DeactivateItem(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		s.logger.Error("delete item failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete item failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleListHistory 返回商品的价格时间序列。
//
// GET /items/:id/history
func (s *Server) handleListHistory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := s.store.GetItem(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		s.logger.Error("get item failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get item failed"})
		return
	}

	history, err := s.store.ListHistory(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("list history failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list history failed"})
		return
	}
	resp := make([]historyResponse, 0, len(history))
	for _, h := range history {
		resp = append(resp, historyResponse{ID: h.ID, ItemID: h.ItemID, Price: h.Price, RecordedAt: h.RecordedAt})
	}
	c.JSON(http.StatusOK, resp)
}

// handleFindSimilar 查询与商品相似的其它商品。
//
// GET /items/:id/similar?min_similarity=0.8
func (s *Server) handleFindSimilar(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if !s.sim.Enabled() {
		// 未配置向量服务是常态而非异常，返回空列表。
		c.JSON(http.StatusOK, []matchResponse{})
		return
	}

	minSim := 0.0
	if raw := c.Query("min_similarity"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_similarity"})
			return
		}
		minSim = v
	}

	matches, err := s.sim.FindSimilarByID(c.Request.Context(), id, minSim)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		s.logger.Error("find similar failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "find similar failed"})
		return
	}

	resp := make([]matchResponse, 0, len(matches))
	for _, m := range matches {
		resp = append(resp, matchResponse{Item: toItemResponse(m.Item), Similarity: m.Similarity})
	}
	c.JSON(http.StatusOK, resp)
}

// handleBetterDeals 查询比商品明显更便宜的相似商品。
//
// GET /items/:id/better-deals
func (s *Server) handleBetterDeals(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if !s.sim.Enabled() {
		c.JSON(http.StatusOK, []dealResponse{})
		return
	}

	deals, err := s.sim.FindBetterDealsByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		s.logger.Error("find better deals failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "find better deals failed"})
		return
	}

	c.JSON(http.StatusOK, toDealResponses(deals))
}

// handleFindAlternatives 找相似好价并落库告警。
//
// 响应刻意不透露是否真的建了告警：去重可能吞掉全部结果，
// 客户端只会收到一个统一的完成确认。
//
// POST /items/:id/find-alternatives
func (s *Server) handleFindAlternatives(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if !s.sim.Enabled() {
		c.JSON(http.StatusOK, gin.H{
			"status":  "completed",
			"message": "alerts created if cheaper alternatives were found",
		})
		return
	}

	item, err := s.store.GetItem(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		s.logger.Error("get item failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get item failed"})
		return
	}

	deals, err := s.sim.FindBetterDealsByID(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("find alternatives failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "find alternatives failed"})
		return
	}

	err = s.store.Transaction(c.Request.Context(), func(tx store.Store) error {
		_, err := s.sim.CreateAlertsForBetterDeals(c.Request.Context(), tx, *item, deals)
		return err
	})
	if err != nil {
		s.logger.Error("create alternative alerts failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create alerts failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "completed",
		"message": "alerts created if cheaper alternatives were found",
	})
}

func toDealResponses(deals []similarity.Deal) []dealResponse {
	resp := make([]dealResponse, 0, len(deals))
	for _, d := range deals {
		resp = append(resp, dealResponse{
			Item:           toItemResponse(d.Item),
			Similarity:     d.Similarity,
			Savings:        d.Savings,
			SavingsPercent: d.SavingsPercent,
		})
	}
	return resp
}

// handleListAlerts 返回告警列表。
//
// GET /alerts?unread_only=true&limit=50&offset=0
func (s *Server) handleListAlerts(c *gin.Context) {
	limit := parseQueryInt(c, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseQueryInt(c, "offset", 0)
	unreadOnly := c.Query("unread_only") == "true"

	alerts, err := s.store.ListAlerts(c.Request.Context(), offset, limit, unreadOnly)
	if err != nil {
		s.logger.Error("list alerts failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list alerts failed"})
		return
	}
	resp := make([]alertResponse, 0, len(alerts))
	for _, a := range alerts {
		resp = append(resp, toAlertResponse(a))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetAlert(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	alert, err := s.store.GetAlert(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		s.logger.Error("get alert failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get alert failed"})
		return
	}
	c.JSON(http.StatusOK, toAlertResponse(*alert))
}

// handleMarkAlertRead 标记单条告警已读。
//
// PATCH /alerts/:id/read
func (s *Server) handleMarkAlertRead(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.store.MarkAlertRead(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		s.logger.Error("mark alert read failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark alert read failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

// handleMarkAllAlertsRead 标记全部告警已读。
//
// POST /alerts/read-all
func (s *Server) handleMarkAllAlertsRead(c *gin.Context) {
	if err := s.store.MarkAllAlertsRead(c.Request.Context()); err != nil {
		s.logger.Error("mark all alerts read failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark all read failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

func (s *Server) handleDeleteAlert(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteAlert(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		s.logger.Error("delete alert failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete alert failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleRunMonitor 手动触发一轮巡检。
//
// 巡检在后台异步执行；已有巡检排队或进行中时返回 409。
//
// POST /monitor/run
func (s *Server) handleRunMonitor(c *gin.Context) {
	if !s.mon.TriggerPass() {
		c.JSON(http.StatusConflict, gin.H{"status": "busy"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// handleMonitorStatus 返回最近一轮巡检的结果快照。
//
// GET /monitor/status
func (s *Server) handleMonitorStatus(c *gin.Context) {
	status, ok, err := s.mon.Status(c.Request.Context())
	if err != nil {
		s.logger.Error("load monitor status failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load status failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "never_run"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// parseID 解析路径参数中的资源 ID，非法时直接写出 400。
func parseID(c *gin.Context) (uint, bool) {
	raw := c.Param("id")
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(v), true
}

// parseQueryInt 解析查询参数中的整数值。
func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}
