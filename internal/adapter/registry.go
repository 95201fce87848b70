package adapter

import (
	"fmt"

	"KeyCompare/internal/config"
	"KeyCompare/internal/interfaces"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NewRowSource 按配置中的 source.kind 从工厂注册表创建来源实例
func NewRowSource(cfg *config.SourceConfig, db *gorm.DB, logger *logrus.Logger) (interfaces.RowSource, error) {
	registered := ListFactories()
	logger.WithFields(logrus.Fields{
		"requested":  cfg.Kind,
		"registered": registered,
	}).Info("初始化行数据来源")

	factory, ok := GetFactory(cfg.Kind)
	if !ok {
		return nil, fmt.Errorf("来源%s未注册适配器（已注册：%v）", cfg.Kind, registered)
	}
	source, err := factory(cfg, db, logger)
	if err != nil {
		return nil, fmt.Errorf("创建来源%s失败: %w", cfg.Kind, err)
	}
	if source == nil {
		return nil, fmt.Errorf("来源%s工厂函数返回nil", cfg.Kind)
	}
	if source.GetName() != cfg.Kind {
		logger.WithFields(logrus.Fields{
			"config_kind":  cfg.Kind,
			"adapter_kind": source.GetName(),
		}).Warn("来源适配器名称与配置不一致")
	}
	return source, nil
}
