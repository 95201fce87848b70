// Package client 对比服务 HTTP 客户端，供 CLI 与浏览会话使用
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"KeyCompare/internal/accumulator"
	"KeyCompare/internal/model"
	"KeyCompare/internal/service"
	"KeyCompare/internal/utils/columnkey"
	"KeyCompare/internal/utils/httpclient"

	"github.com/sirupsen/logrus"
)

// Options 客户端参数
type Options struct {
	BaseURL        string
	StatusTimeout  time.Duration // 状态查询超时，超时降级为 absent
	RequestTimeout time.Duration // 生成/数据/下载超时，超时返回 TimeoutError
	Proxy          string
}

// Client 对比服务客户端
type Client struct {
	baseURL        string
	http           *http.Client
	statusTimeout  time.Duration
	requestTimeout time.Duration
	logger         *logrus.Logger
}

var _ accumulator.Fetcher = (*Client)(nil)

// New 创建客户端；超时由每次调用的 context 控制，底层 http.Client 不设整体超时以便下载长流
func New(opts Options, logger *logrus.Logger) *Client {
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		http:           httpclient.NewHTTPClient(httpclient.Options{Proxy: opts.Proxy}, logger),
		statusTimeout:  opts.StatusTimeout,
		requestTimeout: opts.RequestTimeout,
		logger:         logger,
	}
}

// errorBody 服务端错误响应
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// GenerateResult 生成接口响应
type GenerateResult struct {
	RunID   uint64           `json:"run_id"`
	Columns string           `json:"columns"`
	State   model.CacheState `json:"state"`
	Version int              `json:"version"`
	Summary *model.Summary   `json:"summary"`
}

func runPath(runID uint64, suffix string) string {
	return "/api/runs/" + strconv.FormatUint(runID, 10) + suffix
}

func columnsQuery(columns []string) url.Values {
	q := url.Values{}
	q.Set("columns", columnkey.Key(columns))
	return q
}

// Status 查询缓存状态；请求失败或超时一律降级为 absent，不返回错误
func (c *Client) Status(ctx context.Context, runID uint64, columns []string) *model.CacheStatus {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	var st model.CacheStatus
	if err := c.getJSON(ctx, runPath(runID, "/comparison/status"), columnsQuery(columns), &st); err != nil {
		c.logger.WithError(err).WithField("run_id", runID).Debug("status degraded to absent")
		return &model.CacheStatus{RunID: runID, ColumnsKey: columnkey.Key(columns), State: model.CacheAbsent}
	}
	return &st
}

// Generate 同步生成（regenerate 为 true 时强制构建新版本）
func (c *Client) Generate(ctx context.Context, runID uint64, columns []string, regenerate bool) (*GenerateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	q := columnsQuery(columns)
	q.Set("regenerate", strconv.FormatBool(regenerate))
	resp, err := c.do(ctx, http.MethodPost, runPath(runID, "/comparison/generate"), q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res GenerateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("解析生成结果失败: %w", err)
	}
	return &res, nil
}

// Data 读取一页；version<=0 表示当前版本
func (c *Client) Data(ctx context.Context, runID uint64, columns []string, category model.Category, offset, limit, version int) (*service.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	q := columnsQuery(columns)
	q.Set("category", string(category))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	if version > 0 {
		q.Set("version", strconv.Itoa(version))
	}
	var page service.Page
	if err := c.getJSON(ctx, runPath(runID, "/comparison/data"), q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchPage 实现 accumulator.Fetcher
func (c *Client) FetchPage(ctx context.Context, runID uint64, columns []string, category model.Category, offset, limit, version int) (*accumulator.Page, error) {
	page, err := c.Data(ctx, runID, columns, category, offset, limit, version)
	if err != nil {
		return nil, err
	}
	return &accumulator.Page{
		Records: page.Records,
		Total:   page.Pagination.Total,
		HasMore: page.Pagination.HasMore,
		Version: page.Version,
	}, nil
}

// Download 把导出内容写入 w；只有建立连接与响应头受 requestTimeout 限制，流本身随 ctx 结束
func (c *Client) Download(ctx context.Context, runID uint64, columns []string, category model.Category, format string, w io.Writer) (int64, error) {
	q := columnsQuery(columns)
	q.Set("category", string(category))
	if format != "" {
		q.Set("format", format)
	}

	headerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := time.AfterFunc(c.requestTimeout, cancel)
	resp, err := c.do(headerCtx, http.MethodGet, runPath(runID, "/comparison/download"), q)
	timer.Stop()
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("下载中断: %w", err)
	}
	return n, nil
}

// Run 对比任务详情
func (c *Client) Run(ctx context.Context, runID uint64) (*model.ComparisonRun, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	var run model.ComparisonRun
	if err := c.getJSON(ctx, runPath(runID, ""), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Combinations 列组合概览
func (c *Client) Combinations(ctx context.Context, runID uint64) (*service.ClassificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	var res service.ClassificationResult
	if err := c.getJSON(ctx, runPath(runID, "/combinations"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w, path: %s", err, path)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values) (*http.Response, error) {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, model.NewError(model.KindTimeout, method+" "+path, err, "请求超时")
		}
		return nil, fmt.Errorf("请求对比服务失败: %w, path: %s", err, path)
	}
	c.logger.WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("keycompare request")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeError(resp, method+" "+path)
}

// decodeError 把服务端 {"error","code"} 还原为带分类的错误
func decodeError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error == "" {
		return fmt.Errorf("对比服务返回%d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	kind := model.ErrorKind(eb.Code)
	switch kind {
	case model.KindNotFound, model.KindCacheAbsent, model.KindGeneration, model.KindInvalidRange,
		model.KindGenerationInProgress, model.KindTimeout, model.KindCorrupt:
		return model.NewError(kind, op, nil, "%s", eb.Error)
	}
	return fmt.Errorf("对比服务返回%d: %s", resp.StatusCode, eb.Error)
}
