package monitor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"pricetracker/internal/model"
	"pricetracker/internal/pkg/metrics"
	"pricetracker/internal/pkg/notify"
	"pricetracker/internal/pkg/passlock"
	"pricetracker/internal/scraper"
	"pricetracker/internal/similarity"
	"pricetracker/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeStore 内存版 Store，记录巡检的全部写入。
type fakeStore struct {
	items     []model.Item
	histories []model.PriceHistory
	alerts    []model.Alert
	failTx    error
}

func (f *fakeStore) CreateItem(ctx context.Context, item *model.Item) error {
	item.ID = uint(len(f.items) + 1)
	f.items = append(f.items, *item)
	return nil
}

func (f *fakeStore) ListItems(ctx context.Context, offset, limit int) ([]model.Item, error) {
	return f.items, nil
}

func (f *fakeStore) ListActiveItems(ctx context.Context) ([]model.Item, error) {
	active := make([]model.Item, 0, len(f.items))
	for _, it := range f.items {
		if it.IsActive {
			active = append(active, it)
		}
	}
	return active, nil
}

func (f *fakeStore) GetItem(ctx context.Context, id uint) (*model.Item, error) {
	for i := range f.items {
		if f.items[i].ID == id {
			it := f.items[i]
			return &it, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) DeactivateItem(ctx context.Context, id uint) error { return nil }

func (f *fakeStore) UpdateCurrentPrice(ctx context.Context, id uint, price float64, at time.Time) error {
	for i := range f.items {
		if f.items[i].ID == id {
			p := price
			f.items[i].CurrentPrice = &p
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) AppendPrice(ctx context.Context, itemID uint, price float64, at time.Time) (*model.PriceHistory, error) {
	h := model.PriceHistory{ID: uint(len(f.histories) + 1), ItemID: itemID, Price: price, RecordedAt: at}
	f.histories = append(f.histories, h)
	return &h, nil
}

func (f *fakeStore) ListHistory(ctx context.Context, itemID uint) ([]model.PriceHistory, error) {
	return f.histories, nil
}

func (f *fakeStore) CreateAlert(ctx context.Context, itemID uint, kind, message string) (*model.Alert, error) {
	a := model.Alert{ID: uint(len(f.alerts) + 1), ItemID: itemID, Kind: kind, Message: message}
	f.alerts = append(f.alerts, a)
	return &a, nil
}

func (f *fakeStore) ExistsSimilarMessage(ctx context.Context, itemID uint, kind, substring string) (bool, error) {
	for _, a := range f.alerts {
		if a.ItemID == itemID && a.Kind == kind && strings.Contains(a.Message, substring) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListAlerts(ctx context.Context, offset, limit int, unreadOnly bool) ([]model.Alert, error) {
	return f.alerts, nil
}

func (f *fakeStore) GetAlert(ctx context.Context, id uint) (*model.Alert, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) MarkAlertRead(ctx context.Context, id uint) error { return nil }
func (f *fakeStore) MarkAllAlertsRead(ctx context.Context) error { return nil }
func (f *fakeStore) DeleteAlert(ctx context.Context, id uint) error { return nil }

func (f *fakeStore) GetEmbedding(ctx context.Context, hash string) ([]float32, bool, error) {
	return nil, false, nil
}

func (f *fakeStore) PutEmbedding(ctx context.Context, hash string, vector []float32, modelVersion string) error {
	return nil
}

func (f *fakeStore) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	if f.failTx != nil {
		return f.failTx
	}
	return fn(f)
}

// fakeExtractor 按 URL 返回预置结果。
type fakeExtractor struct {
	results map[string]*scraper.Result
	errs    map[string]error
}

func (f *fakeExtractor) Extract(ctx context.Context, url string) (*scraper.Result, error) {
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if r, ok := f.results[url]; ok {
		return r, nil
	}
	return &scraper.Result{}, nil
}

// fakeNotifier 记录每次派发的批次。
type fakeNotifier struct {
	batches [][]notify.AlertNotification
	err     error
}

func (f *fakeNotifier) SendBatch(ctx context.Context, notifications []notify.AlertNotification) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, notifications)
	return nil
}

func priceOf(v float64) *float64 { return &v }

func resultWithPrice(v float64) *scraper.Result {
	return &scraper.Result{Price: &v}
}

func newTestMonitor(s store.Store, extractor Extractor, notifier notify.Notifier, rdb *redis.Client) *Monitor {
	metrics.InitMetrics()
	lock := passlock.NewLock(rdb, time.Hour)
	var deals DealFinder
	return NewMonitor(s, extractor, deals, notifier, lock, rdb, slog.Default(), time.Hour, false)
}

func TestPassCreatesPriceDropAlert(t *testing.T) {
	s := &fakeStore{items: []model.Item{{
		ID: 1, Name: "laptop", URL: "https://shop.example/1",
		CurrentPrice: priceOf(100), TargetPrice: priceOf(90), IsActive: true,
	}}}
	extractor := &fakeExtractor{results: map[string]*scraper.Result{
		"https://shop.example/1": resultWithPrice(85),
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(s, extractor, notifier, nil)

	if err := m.runPass(context.Background()); err != nil {
		t.Fatalf("runPass failed: %v", err)
	}

	if len(s.histories) != 1 || s.histories[0].Price != 85 {
		t.Fatalf("expected one history sample at 85, got %+v", s.histories)
	}
	if s.items[0].CurrentPrice == nil || *s.items[0].CurrentPrice != 85 {
		t.Errorf("expected current price updated to 85, got %v", s.items[0].CurrentPrice)
	}
	if len(s.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(s.alerts))
	}
	want := "Price dropped to $85.00 (target: $90.00)"
	if s.alerts[0].Message != want {
		t.Errorf("alert message mismatch:\n got %q\nwant %q", s.alerts[0].Message, want)
	}
	if len(notifier.batches) != 1 || len(notifier.batches[0]) != 1 {
		t.Fatalf("expected one dispatch with one notification, got %+v", notifier.batches)
	}
	if got := notifier.batches[0][0]; got.Item.CurrentPrice == nil || *got.Item.CurrentPrice != 85 {
		t.Errorf("notification should carry the updated price, got %+v", got.Item)
	}
}

func TestPriceDropAlertRepeatsEveryPass(t *testing.T) {
	s := &fakeStore{items: []model.Item{{
		ID: 1, Name: "laptop", URL: "https://shop.example/1",
		TargetPrice: priceOf(90), IsActive: true,
	}}}
	extractor := &fakeExtractor{results: map[string]*scraper.Result{
		"https://shop.example/1": resultWithPrice(85),
	}}
	m := newTestMonitor(s, extractor, &fakeNotifier{}, nil)

	for i := 0; i < 2; i++ {
		if err := m.runPass(context.Background()); err != nil {
			t.Fatalf("pass %d failed: %v", i, err)
		}
	}
	// 目标价持续达成，每轮都应重新告警。
	if len(s.alerts) != 2 {
		t.Errorf("expected 2 alerts over 2 passes, got %d", len(s.alerts))
	}
	if len(s.histories) != 2 {
		t.Errorf("expected 2 history samples, got %d", len(s.histories))
	}
}

func TestPassIsolatesFailedItems(t *testing.T) {
	s := &fakeStore{items: []model.Item{
		{ID: 1, Name: "a", URL: "https://shop.example/1", TargetPrice: priceOf(100), IsActive: true},
		{ID: 2, Name: "b", URL: "https://shop.example/2", CurrentPrice: priceOf(50), IsActive: true},
		{ID: 3, Name: "c", URL: "https://shop.example/3", TargetPrice: priceOf(100), IsActive: true},
	}}
	extractor := &fakeExtractor{
		results: map[string]*scraper.Result{
			"https://shop.example/1": resultWithPrice(80),
			"https://shop.example/3": resultWithPrice(70),
		},
		errs: map[string]error{
			"https://shop.example/2": errors.New("connection refused"),
		},
	}
	notifier := &fakeNotifier{}
	m := newTestMonitor(s, extractor, notifier, nil)

	if err := m.runPass(context.Background()); err != nil {
		t.Fatalf("runPass failed: %v", err)
	}

	if len(s.histories) != 2 {
		t.Fatalf("expected 2 history samples, got %d", len(s.histories))
	}
	// 失败商品的价格保持原样。
	if *s.items[1].CurrentPrice != 50 {
		t.Errorf("failed item price must stay unchanged, got %v", *s.items[1].CurrentPrice)
	}
	// 全部告警在一次派发里送出。
	if len(notifier.batches) != 1 || len(notifier.batches[0]) != 2 {
		t.Fatalf("expected single dispatch with 2 notifications, got %+v", notifier.batches)
	}
}

func TestPassNoPriceMeansNoSample(t *testing.T) {
	s := &fakeStore{items: []model.Item{{
		ID: 1, Name: "laptop", URL: "https://shop.example/1",
		CurrentPrice: priceOf(100), IsActive: true,
	}}}
	extractor := &fakeExtractor{results: map[string]*scraper.Result{
		"https://shop.example/1": {Title: "laptop"},
	}}
	m := newTestMonitor(s, extractor, &fakeNotifier{}, nil)

	if err := m.runPass(context.Background()); err != nil {
		t.Fatalf("runPass failed: %v", err)
	}
	if len(s.histories) != 0 {
		t.Errorf("no price means no sample, got %d", len(s.histories))
	}
	if *s.items[0].CurrentPrice != 100 {
		t.Errorf("price must stay unchanged, got %v", *s.items[0].CurrentPrice)
	}
}

func TestPassSkippedWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	// 另一实例持有巡检锁。
	mr.Set("pricetracker:lock:monitor_pass", "1")

	s := &fakeStore{items: []model.Item{{
		ID: 1, URL: "https://shop.example/1", TargetPrice: priceOf(90), IsActive: true,
	}}}
	extractor := &fakeExtractor{results: map[string]*scraper.Result{
		"https://shop.example/1": resultWithPrice(85),
	}}
	m := newTestMonitor(s, extractor, &fakeNotifier{}, rdb)

	if err := m.runPass(context.Background()); err != nil {
		t.Fatalf("skipped pass must not error: %v", err)
	}
	if len(s.histories) != 0 || len(s.alerts) != 0 {
		t.Error("skipped pass must not write anything")
	}
}

func TestPassCommitFailureSuppressesDispatch(t *testing.T) {
	s := &fakeStore{
		items: []model.Item{{
			ID: 1, URL: "https://shop.example/1", TargetPrice: priceOf(90), IsActive: true,
		}},
		failTx: errors.New("deadlock"),
	}
	extractor := &fakeExtractor{results: map[string]*scraper.Result{
		"https://shop.example/1": resultWithPrice(85),
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(s, extractor, notifier, nil)

	if err := m.runPass(context.Background()); err == nil {
		t.Fatal("expected pass to fail on commit error")
	}
	if len(notifier.batches) != 0 {
		t.Error("rolled back pass must not dispatch notifications")
	}
}

func TestTriggerPassRejectedWhileBusy(t *testing.T) {
	m := newTestMonitor(&fakeStore{}, &fakeExtractor{}, &fakeNotifier{}, nil)

	// 队列容量为 1 且还没有 worker 消费：第一次触发排队，第二次被丢弃。
	if !m.TriggerPass() {
		t.Fatal("first trigger should be accepted")
	}
	if m.TriggerPass() {
		t.Error("second trigger should be rejected while one is pending")
	}
}

func TestStatusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := &fakeStore{items: []model.Item{{
		ID: 1, URL: "https://shop.example/1", IsActive: true,
	}}}
	extractor := &fakeExtractor{results: map[string]*scraper.Result{
		"https://shop.example/1": resultWithPrice(42),
	}}
	m := newTestMonitor(s, extractor, &fakeNotifier{}, rdb)

	status, ok, err := m.Status(context.Background())
	if err != nil || ok {
		t.Fatalf("expected no status before first pass, got %v, %v, %v", status, ok, err)
	}

	if err := m.runPass(context.Background()); err != nil {
		t.Fatalf("runPass failed: %v", err)
	}

	status, ok, err = m.Status(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected status after pass, got ok=%v err=%v", ok, err)
	}
	if status.ItemsTotal != 1 || status.ItemsChecked != 1 || status.Status != "success" {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestSignificantPriceChangeLogsPercent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	metrics.InitMetrics()
	extractor := &fakeExtractor{results: map[string]*scraper.Result{
		"https://shop.example/1": resultWithPrice(80),
	}}
	m := NewMonitor(&fakeStore{}, extractor, nil, &fakeNotifier{},
		passlock.NewLock(nil, time.Hour), nil, logger, time.Hour, false)

	m.evaluateItem(context.Background(), model.Item{
		ID: 1, URL: "https://shop.example/1", CurrentPrice: priceOf(100), IsActive: true,
	})

	out := buf.String()
	if !strings.Contains(out, "significant price change") {
		t.Fatalf("expected significant change log, got: %s", out)
	}
	if !strings.Contains(out, "-20.0%") {
		t.Errorf("expected signed percent in log, got: %s", out)
	}
}

func TestEvaluateItemPanicIsolated(t *testing.T) {
	m := newTestMonitor(&fakeStore{}, panicExtractor{}, &fakeNotifier{}, nil)

	res := m.evaluateItem(context.Background(), model.Item{ID: 1, URL: "x"})
	if res.err == nil {
		t.Fatal("expected panic converted to error")
	}
}

type panicExtractor struct{}

func (panicExtractor) Extract(ctx context.Context, url string) (*scraper.Result, error) {
	panic("boom")
}

// 编译期确认引擎满足巡检的好价接口。
var _ DealFinder = (*similarity.Engine)(nil)
