// internal/adapter/adapter.go
package adapter

import (
	"fmt"
	"sort"

	"KeyCompare/internal/config"
	"KeyCompare/internal/interfaces"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Factory 行数据来源工厂函数签名
// 入参：来源配置、数据库连接（remote 模式可为 nil）、日志实例
type Factory func(cfg *config.SourceConfig, db *gorm.DB, logger *logrus.Logger) (interfaces.RowSource, error)

// ========== 全局工厂函数注册表 ==========
var factoryRegistry = make(map[string]Factory)

// Register 供来源适配器 init 函数调用，注册工厂函数
func Register(kind string, factory Factory) {
	if factory == nil {
		panic(fmt.Sprintf("来源%s的工厂函数不能为nil", kind))
	}
	if _, exists := factoryRegistry[kind]; exists {
		logrus.Warnf("来源%s的适配器已注册，将覆盖原有实现", kind)
	}
	factoryRegistry[kind] = factory
}

// GetFactory 获取指定来源的工厂函数
func GetFactory(kind string) (Factory, bool) {
	factory, ok := factoryRegistry[kind]
	return factory, ok
}

// ListFactories 列出所有已注册的来源类型（有序）
func ListFactories() []string {
	kinds := make([]string, 0, len(factoryRegistry))
	for k := range factoryRegistry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
