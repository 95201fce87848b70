// Package accumulator 客户端分页累加：每个分类一个缓冲区，支持无限滚动与切换分类不重复请求
package accumulator

import (
	"context"
	"errors"
	"strings"
	"sync"

	"KeyCompare/internal/model"

	"github.com/sirupsen/logrus"
)

// Page 一次窗口请求的结果
type Page struct {
	Records []model.Record
	Total   int64
	HasMore bool
	Version int
}

// Fetcher 按窗口获取记录；version<=0 表示当前版本
type Fetcher interface {
	FetchPage(ctx context.Context, runID uint64, columns []string, category model.Category, offset, limit, version int) (*Page, error)
}

// Options 累加器参数
type Options struct {
	PageSize  int
	Threshold int // 距缓冲区末尾多少行内触发下一页
	// OnUpdate 缓冲区状态变化时回调（在内部锁之外调用）
	OnUpdate func(category model.Category, status Status)
}

type buffer struct {
	status  Status
	records []model.Record
	token   uint64
	cancel  context.CancelFunc
}

// Accumulator 单个 (run, columns) 的浏览会话
// 会话内第一次成功读取后固定版本，后续请求都读同一版本，避免翻页时混入新版本数据
type Accumulator struct {
	fetcher Fetcher
	runID   uint64
	columns []string
	opts    Options
	logger  *logrus.Logger

	mu      sync.Mutex
	active  model.Category
	buffers map[model.Category]*buffer
	version int
	wg      sync.WaitGroup
}

// New 创建 Accumulator
func New(fetcher Fetcher, runID uint64, columns []string, opts Options, logger *logrus.Logger) *Accumulator {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Threshold < 0 {
		opts.Threshold = 0
	}
	a := &Accumulator{
		fetcher: fetcher,
		runID:   runID,
		columns: append([]string(nil), columns...),
		opts:    opts,
		logger:  logger,
		buffers: make(map[model.Category]*buffer, len(model.Categories)),
	}
	for _, c := range model.Categories {
		a.buffers[c] = &buffer{status: Status{Phase: PhaseIdle}}
	}
	return a
}

// Active 当前分类
func (a *Accumulator) Active() model.Category {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Version 会话固定的版本，未加载过时为 0
func (a *Accumulator) Version() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// Activate 切换到某分类；其他分类的缓冲区保持不变，仅在该分类从未加载时发起首个请求
func (a *Accumulator) Activate(ctx context.Context, category model.Category) (bool, error) {
	if _, ok := model.ParseCategory(string(category)); !ok {
		return false, model.NewError(model.KindInvalidRange, "activate", nil, "未知分类 %q", category)
	}
	a.mu.Lock()
	a.active = category
	idle := a.buffers[category].status.Phase == PhaseIdle
	a.mu.Unlock()
	if !idle {
		return false, nil
	}
	return a.LoadMore(ctx, category), nil
}

// OnScroll 当前分类滚动到 position（已加载记录的下标）时调用，接近末尾则加载下一页
func (a *Accumulator) OnScroll(ctx context.Context, position int) bool {
	a.mu.Lock()
	category := a.active
	b, ok := a.buffers[category]
	near := ok && b.status.Phase == PhaseLoadedPartial && len(b.records)-position <= a.opts.Threshold
	a.mu.Unlock()
	if !near {
		return false
	}
	return a.LoadMore(ctx, category)
}

// LoadMore 请求下一页并异步追加；已在加载或已全部加载时返回 false
func (a *Accumulator) LoadMore(ctx context.Context, category model.Category) bool {
	a.mu.Lock()
	b, ok := a.buffers[category]
	if !ok {
		a.mu.Unlock()
		return false
	}
	next, accepted := Transition(b.status, Event{Kind: EventFetchStarted})
	if !accepted {
		a.mu.Unlock()
		return false
	}
	b.status = next
	b.token++
	token := b.token
	fetchCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	offset := next.Offset()
	version := a.version
	a.wg.Add(1)
	a.mu.Unlock()
	a.notify(category, next)

	go a.fetch(fetchCtx, cancel, category, token, offset, version)
	return true
}

func (a *Accumulator) fetch(ctx context.Context, cancel context.CancelFunc, category model.Category, token uint64, offset, version int) {
	defer a.wg.Done()
	defer cancel()

	page, err := a.fetcher.FetchPage(ctx, a.runID, a.columns, category, offset, a.opts.PageSize, version)

	a.mu.Lock()
	b := a.buffers[category]
	if b.token != token {
		// 已取消或已重置，丢弃迟到的结果
		a.mu.Unlock()
		return
	}
	b.cancel = nil
	var ev Event
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil):
		ev = Event{Kind: EventFetchCancelled}
	case err != nil:
		ev = Event{Kind: EventFetchFailed, Err: err.Error()}
	case a.version != 0 && page.Version != 0 && page.Version != a.version:
		ev = Event{Kind: EventFetchFailed, Err: "版本已变化，请重新加载"}
	default:
		if a.version == 0 {
			a.version = page.Version
		}
		b.records = append(b.records, page.Records...)
		ev = Event{Kind: EventPageLoaded, Count: len(page.Records), Total: page.Total, HasMore: page.HasMore}
	}
	next, _ := Transition(b.status, ev)
	b.status = next
	a.mu.Unlock()

	if err != nil && ev.Kind == EventFetchFailed {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"run_id":   a.runID,
			"category": category,
			"offset":   offset,
		}).Warn("加载分页失败")
	}
	a.notify(category, next)
}

// Cancel 取消某分类进行中的请求，缓冲区不变，状态恢复到请求之前
func (a *Accumulator) Cancel(category model.Category) bool {
	a.mu.Lock()
	b, ok := a.buffers[category]
	if !ok || b.status.Phase != PhaseLoading {
		a.mu.Unlock()
		return false
	}
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.token++
	next, _ := Transition(b.status, Event{Kind: EventFetchCancelled})
	b.status = next
	a.mu.Unlock()
	a.notify(category, next)
	return true
}

// Reset 丢弃全部缓冲区与固定版本（例如重新生成之后）
func (a *Accumulator) Reset() {
	a.mu.Lock()
	for _, b := range a.buffers {
		if b.cancel != nil {
			b.cancel()
			b.cancel = nil
		}
		b.token++
		b.records = nil
		b.status, _ = Transition(b.status, Event{Kind: EventReset})
	}
	a.version = 0
	a.mu.Unlock()
}

// Wait 等待所有进行中的请求返回
func (a *Accumulator) Wait() { a.wg.Wait() }

// Close 取消所有请求并等待后台 goroutine 退出
func (a *Accumulator) Close() {
	a.mu.Lock()
	for _, b := range a.buffers {
		if b.cancel != nil {
			b.cancel()
		}
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Status 某分类的状态
func (a *Accumulator) Status(category model.Category) Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buffers[category]; ok {
		return b.status
	}
	return Status{Phase: PhaseIdle}
}

// Records 某分类已加载的记录（副本）
func (a *Accumulator) Records(category model.Category) []model.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[category]
	if !ok {
		return nil
	}
	return append([]model.Record(nil), b.records...)
}

// Filter 在已加载记录中按子串过滤（不区分大小写），不会发起请求
func (a *Accumulator) Filter(category model.Category, query string) []model.Record {
	records := a.Records(category)
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return records
	}
	out := make([]model.Record, 0)
	for _, r := range records {
		if recordContains(r, q) {
			out = append(out, r)
		}
	}
	return out
}

func recordContains(r model.Record, q string) bool {
	for _, m := range []map[string]string{r.Key, r.A, r.B} {
		for _, v := range m {
			if strings.Contains(strings.ToLower(v), q) {
				return true
			}
		}
	}
	return false
}

func (a *Accumulator) notify(category model.Category, s Status) {
	if a.opts.OnUpdate != nil {
		a.opts.OnUpdate(category, s)
	}
}
