package columnkey

import (
	"sort"
	"strings"
)

// Separator columns_key 中列名之间的分隔符
const Separator = ","

// Normalize 规范化列集合：去首尾空白、丢弃空列名、去重、排序
// 分类器、缓存管理器与读取器都必须经由此函数得到列身份，避免同一组列因顺序不同被当成两个 key
func Normalize(columns []string) []string {
	seen := make(map[string]struct{}, len(columns))
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Key 列集合 → columns_key
func Key(columns []string) string {
	return strings.Join(Normalize(columns), Separator)
}

// Parse 将逗号分隔的列字符串拆成规范化后的列集合
func Parse(raw string) []string {
	return Normalize(strings.Split(raw, Separator))
}

// FromString 任意顺序的逗号分隔列字符串 → columns_key
func FromString(raw string) string {
	return Key(strings.Split(raw, Separator))
}
