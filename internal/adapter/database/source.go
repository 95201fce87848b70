package database

import (
	"context"
	"errors"

	"KeyCompare/internal/adapter"
	"KeyCompare/internal/config"
	"KeyCompare/internal/interfaces"
	"KeyCompare/internal/model"
	"KeyCompare/internal/repository"
	"KeyCompare/internal/utils/columnkey"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Kind 来源类型名
const Kind = "database"

func init() {
	adapter.Register(Kind, New)
}

// Source 直接读取分析方写入 PostgreSQL 的 comparison_runs / combination_results / source_rows
type Source struct {
	repo      repository.RunRepository
	batchSize int
	logger    *logrus.Logger
}

// New 工厂函数
func New(cfg *config.SourceConfig, db *gorm.DB, logger *logrus.Logger) (interfaces.RowSource, error) {
	if db == nil {
		return nil, errors.New("database 来源需要数据库连接")
	}
	return NewSource(repository.NewRunRepository(db), cfg.BatchSize, logger), nil
}

// NewSource 基于 RunRepository 创建来源
func NewSource(repo repository.RunRepository, batchSize int, logger *logrus.Logger) *Source {
	return &Source{repo: repo, batchSize: batchSize, logger: logger}
}

func (s *Source) GetName() string { return Kind }

func (s *Source) GetRun(ctx context.Context, runID uint64) (*model.ComparisonRun, error) {
	return s.repo.GetRun(ctx, runID)
}

// ListCombinationResults 按侧拆分；columns_key 统一再规范化一次，分析方写入的顺序不可信
func (s *Source) ListCombinationResults(ctx context.Context, runID uint64) (*interfaces.CombinationResults, error) {
	results, err := s.repo.ListCombinationResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := &interfaces.CombinationResults{
		SideA: []model.CombinationResult{},
		SideB: []model.CombinationResult{},
	}
	for _, r := range results {
		cr := *r
		cr.ColumnsKey = columnkey.FromString(cr.ColumnsKey)
		switch cr.Side {
		case model.SideA:
			out.SideA = append(out.SideA, cr)
		case model.SideB:
			out.SideB = append(out.SideB, cr)
		default:
			s.logger.WithFields(logrus.Fields{"run_id": runID, "side": cr.Side}).Warn("忽略未知侧的列组合统计")
		}
	}
	return out, nil
}

func (s *Source) IterateRows(ctx context.Context, runID uint64, side model.Side, fn func(row model.Row) error) error {
	return s.repo.IterateSourceRows(ctx, runID, side, s.batchSize, fn)
}
