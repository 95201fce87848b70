package service

import (
	"context"
	"fmt"

	"KeyCompare/internal/interfaces"
	"KeyCompare/internal/model"

	"github.com/sirupsen/logrus"
)

// RunService 对比任务与列组合概览
type RunService struct {
	source interfaces.RowSource
	logger *logrus.Logger
}

// NewRunService 创建 RunService
func NewRunService(source interfaces.RowSource, logger *logrus.Logger) *RunService {
	return &RunService{source: source, logger: logger}
}

// GetRun 对比任务详情
func (s *RunService) GetRun(ctx context.Context, runID uint64) (*model.ComparisonRun, error) {
	return s.source.GetRun(ctx, runID)
}

// Classification 列组合概览：两侧唯一性统计归类后按字母序返回
func (s *RunService) Classification(ctx context.Context, runID uint64) (*ClassificationResult, error) {
	if _, err := s.source.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	results, err := s.source.ListCombinationResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("获取列组合统计失败: %w", err)
	}
	res := BuildClassification(runID, results.SideA, results.SideB)
	s.logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"source":  s.source.GetName(),
		"matched": res.Counts[ClassMatched],
		"only_a":  res.Counts[ClassOnlyA],
		"only_b":  res.Counts[ClassOnlyB],
		"neither": res.Counts[ClassNeither],
	}).Debug("classification built")
	return res, nil
}
