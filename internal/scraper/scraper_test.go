package scraper

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pricetracker/internal/pkg/metrics"
)

func newTestScraper() *Scraper {
	metrics.InitMetrics()
	return NewScraper(slog.Default(), 5*time.Second, "test-agent")
}

func serveHTML(t *testing.T, html string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(html))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtractPriceFromSpanPrice(t *testing.T) {
	srv := serveHTML(t, `<html><body><span class="price">$1,299.99</span></body></html>`)

	result, err := newTestScraper().Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if result.Price == nil {
		t.Fatal("expected price, got nil")
	}
	if *result.Price != 1299.99 {
		t.Errorf("expected price 1299.99, got %v", *result.Price)
	}
}

func TestExtractPriceSelectorOrder(t *testing.T) {
	// span.price 优先于 itemprop，即使后者在文档里更靠前。
	srv := serveHTML(t, `<html><body>
		<meta itemprop="price" content="50.00">
		<span class="price">99.95</span>
	</body></html>`)

	result, err := newTestScraper().Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if result.Price == nil || *result.Price != 99.95 {
		t.Errorf("expected price 99.95, got %v", result.Price)
	}
}

func TestExtractPriceFromItempropContent(t *testing.T) {
	srv := serveHTML(t, `<html><body><meta itemprop="price" content="42.50"></body></html>`)

	result, err := newTestScraper().Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if result.Price == nil || *result.Price != 42.5 {
		t.Errorf("expected price 42.5, got %v", result.Price)
	}
}

func TestExtractNoPriceReturnsNil(t *testing.T) {
	srv := serveHTML(t, `<html><body><h1>Widget</h1><p>out of stock</p></body></html>`)

	result, err := newTestScraper().Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if result.Price != nil {
		t.Errorf("expected nil price, got %v", *result.Price)
	}
	if result.Title != "Widget" {
		t.Errorf("expected title Widget, got %q", result.Title)
	}
}

func TestExtractTitleAndImageChains(t *testing.T) {
	srv := serveHTML(t, `<html><head><title>Page Title</title></head><body>
		<span itemprop="name">Structured Name</span>
		<img class="product-image" src="/img/main.jpg">
		<span class="price">10</span>
	</body></html>`)

	result, err := newTestScraper().Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	// 没有 h1 时回退到 itemprop=name。
	if result.Title != "Structured Name" {
		t.Errorf("expected title from itemprop, got %q", result.Title)
	}
	if result.ImageURL != "/img/main.jpg" {
		t.Errorf("expected product-image src, got %q", result.ImageURL)
	}
}

func TestExtractNon2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := newTestScraper().Extract(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestExtractSendsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`<span class="price">1</span>`))
	}))
	defer srv.Close()

	if _, err := newTestScraper().Extract(context.Background(), srv.URL); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if gotUA != "test-agent" {
		t.Errorf("expected User-Agent test-agent, got %q", gotUA)
	}
}

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$19.99", 19.99, true},
		{"1,234.50", 1234.5, true},
		{"Price: 42", 42, true},
		{"7.", 7, true},
		{"no digits here", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := parsePrice(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("parsePrice(%q) = %v, %v; want %v, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}
