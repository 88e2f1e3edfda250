package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pricetracker/internal/pkg/metrics"

	"github.com/PuerkitoBio/goquery"
)

// Result 是一次页面提取的结果。
//
// Price 为 nil 表示页面成功获取但没有命中任何价格启发式；
// Title 和 ImageURL 各自独立可选，取不到时为空字符串。
type Result struct {
	Price    *float64
	Title    string
	ImageURL string
}

// 价格启发式按顺序尝试，命中第一个含数字的元素即停止。
// 前三组是电商站常见的 tag+class 组合，最后回退到结构化数据属性。
var priceSelectors = []string{
	"span.price",
	"span.a-price-whole",
	"span.product-price",
	"[itemprop=price]",
}

var titleSelectors = []string{
	"h1",
	"[itemprop=name]",
	"title",
}

var imageSelectors = []string{
	"img[itemprop=image]",
	"img.product-image",
	"img",
}

var priceTokenRe = regexp.MustCompile(`\d+\.?\d*`)

// Scraper 用普通 HTTP 请求抓取商品页并提取价格、标题和主图。
//
// 不做内部重试：重试节奏由巡检调度负责。超时、非 2xx、网络错误和
// 无法解析的文档都以显式错误返回，不会向上抛异常。
type Scraper struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewScraper 创建抓取器。timeout 上限 10 秒。
func NewScraper(logger *slog.Logger, timeout time.Duration, userAgent string) *Scraper {
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	return &Scraper{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Extract 抓取 url 并返回提取结果。
func (s *Scraper) Extract(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ScrapeRequestsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ScrapeRequestsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		metrics.ScrapeRequestsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("parse document: %w", err)
	}

	result := &Result{
		Price:    extractPrice(doc),
		Title:    extractTitle(doc),
		ImageURL: extractImage(doc),
	}
	if result.Price == nil {
		s.logger.Debug("no price matched", slog.String("url", url))
	}
	metrics.ScrapeRequestsTotal.WithLabelValues("success").Inc()
	return result, nil
}

// extractPrice 依次尝试价格选择器，返回第一个可解析的数值。
func extractPrice(doc *goquery.Document) *float64 {
	for _, sel := range priceSelectors {
		var found *float64
		doc.Find(sel).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			text := el.Text()
			if strings.TrimSpace(text) == "" {
				// 结构化数据常放在 content 属性里（如 <meta itemprop="price">）。
				text = el.AttrOr("content", "")
			}
			if p, ok := parsePrice(text); ok {
				found = &p
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// parsePrice 去掉千分位分隔符后取第一个整数或小数 token。
func parsePrice(text string) (float64, bool) {
	cleaned := strings.ReplaceAll(text, ",", "")
	match := priceTokenRe.FindString(cleaned)
	if match == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func extractTitle(doc *goquery.Document) string {
	for _, sel := range titleSelectors {
		if el := doc.Find(sel).First(); el.Length() > 0 {
			if title := strings.TrimSpace(el.Text()); title != "" {
				return title
			}
		}
	}
	return ""
}

func extractImage(doc *goquery.Document) string {
	for _, sel := range imageSelectors {
		if el := doc.Find(sel).First(); el.Length() > 0 {
			if src := el.AttrOr("src", ""); src != "" {
				return src
			}
		}
	}
	return ""
}
