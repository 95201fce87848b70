package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"KeyCompare/internal/adapter"
	"KeyCompare/internal/config"
	"KeyCompare/internal/interfaces"
	"KeyCompare/internal/model"
	"KeyCompare/internal/utils/columnkey"
	"KeyCompare/internal/utils/httpclient"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Kind 来源类型名
const Kind = "remote"

func init() {
	adapter.Register(Kind, New)
}

// Source 通过 HTTP 访问外部分析服务
// GET /runs/:id、GET /runs/:id/combinations、GET /runs/:id/rows?side=a|b（JSON lines，每行一个 model.Row）
type Source struct {
	baseURL   string
	authToken string
	client    *http.Client
	logger    *logrus.Logger
}

// New 工厂函数
func New(cfg *config.SourceConfig, _ *gorm.DB, logger *logrus.Logger) (interfaces.RowSource, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote 来源需要配置 source.base_url")
	}
	return NewSource(cfg.BaseURL, cfg.AuthToken, httpclient.NewHTTPClient(httpclient.Options{
		// 行流可能持续很久，整体超时交给扫描的 context
		Proxy: cfg.Proxy,
	}, logger), logger), nil
}

// NewSource 创建 remote 来源
func NewSource(baseURL, authToken string, client *http.Client, logger *logrus.Logger) *Source {
	return &Source{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    client,
		logger:    logger,
	}
}

func (s *Source) GetName() string { return Kind }

func (s *Source) GetRun(ctx context.Context, runID uint64) (*model.ComparisonRun, error) {
	var run model.ComparisonRun
	if err := s.getJSON(ctx, fmt.Sprintf("/runs/%d", runID), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Source) ListCombinationResults(ctx context.Context, runID uint64) (*interfaces.CombinationResults, error) {
	var res interfaces.CombinationResults
	if err := s.getJSON(ctx, fmt.Sprintf("/runs/%d/combinations", runID), &res); err != nil {
		return nil, err
	}
	normalize := func(list []model.CombinationResult, side model.Side) []model.CombinationResult {
		out := make([]model.CombinationResult, 0, len(list))
		for _, r := range list {
			r.RunID = runID
			r.Side = side
			r.ColumnsKey = columnkey.FromString(r.ColumnsKey)
			out = append(out, r)
		}
		return out
	}
	res.SideA = normalize(res.SideA, model.SideA)
	res.SideB = normalize(res.SideB, model.SideB)
	return &res, nil
}

// IterateRows 流式解码 JSON lines，不缓存整侧数据
func (s *Source) IterateRows(ctx context.Context, runID uint64, side model.Side, fn func(row model.Row) error) error {
	q := url.Values{}
	q.Set("side", string(side))
	resp, err := s.do(ctx, fmt.Sprintf("/runs/%d/rows?%s", runID, q.Encode()))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var row model.Row
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("解析行数据失败: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

func (s *Source) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := s.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w, path: %s", err, path)
	}
	return nil
}

func (s *Source) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求分析服务失败: %w, path: %s", err, path)
	}
	s.logger.WithFields(logrus.Fields{
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("remote source request")

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, model.NewError(model.KindNotFound, "remote", nil, "%s not found", path)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("分析服务返回%d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
