package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"KeyCompare/internal/model"
)

// memoryVersion 已发布版本，发布后只读
type memoryVersion struct {
	meta       model.ComparisonVersion
	partitions map[model.Category][]*model.ComparisonRecord
}

type memoryEntry struct {
	row      model.ComparisonCache
	versions map[int]*memoryVersion
}

// MemoryCacheRepository 进程内 CacheRepository（store.kind=memory 与测试使用）
type MemoryCacheRepository struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// NewMemoryCacheRepository 创建进程内缓存仓储
func NewMemoryCacheRepository() *MemoryCacheRepository {
	return &MemoryCacheRepository{entries: make(map[string]*memoryEntry)}
}

var _ CacheRepository = (*MemoryCacheRepository)(nil)

func memoryKey(runID uint64, columnsKey string) string {
	return fmt.Sprintf("%d|%s", runID, columnsKey)
}

func (r *MemoryCacheRepository) GetCache(_ context.Context, runID uint64, columnsKey string) (*model.ComparisonCache, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[memoryKey(runID, columnsKey)]
	if !ok {
		return nil, nil
	}
	row := e.row
	return &row, nil
}

func (r *MemoryCacheRepository) MarkGenerating(_ context.Context, runID uint64, columnsKey, generationID string, startedAt, staleBefore time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memoryKey(runID, columnsKey)
	e, ok := r.entries[k]
	if !ok {
		e = &memoryEntry{
			row:      model.ComparisonCache{RunID: runID, ColumnsKey: columnsKey},
			versions: make(map[int]*memoryVersion),
		}
		r.entries[k] = e
	}
	if e.row.GenerationID != "" {
		stale := !staleBefore.IsZero() && (e.row.StartedAt == nil || e.row.StartedAt.Before(staleBefore))
		if !stale {
			return ErrGenerationInFlight
		}
	}
	if e.row.State != model.CacheReady {
		e.row.State = model.CacheGenerating
	}
	e.row.GenerationID = generationID
	e.row.StartedAt = &startedAt
	e.row.UpdatedAt = startedAt
	return nil
}

func (r *MemoryCacheRepository) MarkFailed(_ context.Context, runID uint64, columnsKey, generationID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[memoryKey(runID, columnsKey)]
	if !ok || e.row.GenerationID != generationID {
		return ErrGenerationSuperseded
	}
	if !(e.row.CurrentVersion > 0 && e.row.State == model.CacheReady) {
		e.row.State = model.CacheFailed
	}
	e.row.GenerationID = ""
	e.row.LastError = reason
	e.row.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryCacheRepository) PublishVersion(_ context.Context, artifact *model.Artifact, generationID string) error {
	summary, err := json.Marshal(artifact.Summary)
	if err != nil {
		return fmt.Errorf("序列化摘要失败: %w", err)
	}
	// 先在锁外构建完整版本，再在锁内一次性切换
	v := &memoryVersion{
		meta: model.ComparisonVersion{
			RunID:      artifact.RunID,
			ColumnsKey: artifact.ColumnsKey,
			Version:    artifact.Version,
			Summary:    summary,
			CreatedAt:  time.Now(),
		},
		partitions: make(map[model.Category][]*model.ComparisonRecord, len(model.Categories)),
	}
	for _, category := range model.Categories {
		rows, err := toRows(artifact, category)
		if err != nil {
			return err
		}
		v.partitions[category] = rows
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[memoryKey(artifact.RunID, artifact.ColumnsKey)]
	if !ok || e.row.GenerationID != generationID {
		return ErrGenerationSuperseded
	}
	if _, exists := e.versions[artifact.Version]; exists {
		return fmt.Errorf("版本%d已存在", artifact.Version)
	}
	e.versions[artifact.Version] = v
	e.row.State = model.CacheReady
	e.row.CurrentVersion = artifact.Version
	e.row.Summary = summary
	e.row.GenerationID = ""
	e.row.LastError = ""
	e.row.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryCacheRepository) Invalidate(_ context.Context, runID uint64, columnsKey string, version int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[memoryKey(runID, columnsKey)]
	if !ok || e.row.CurrentVersion != version {
		return nil
	}
	e.row.State = model.CacheFailed
	e.row.CurrentVersion = 0
	e.row.Summary = nil
	e.row.LastError = reason
	e.row.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryCacheRepository) GetVersion(_ context.Context, runID uint64, columnsKey string, version int) (*model.ComparisonVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[memoryKey(runID, columnsKey)]
	if !ok {
		return nil, nil
	}
	v, ok := e.versions[version]
	if !ok {
		return nil, nil
	}
	meta := v.meta
	return &meta, nil
}

func (r *MemoryCacheRepository) ListRecords(_ context.Context, runID uint64, columnsKey string, version int, category model.Category, offset, limit int) ([]*model.ComparisonRecord, error) {
	r.mu.RLock()
	e, ok := r.entries[memoryKey(runID, columnsKey)]
	var part []*model.ComparisonRecord
	if ok {
		if v, ok := e.versions[version]; ok {
			part = v.partitions[category]
		}
	}
	r.mu.RUnlock()

	if offset >= len(part) {
		return []*model.ComparisonRecord{}, nil
	}
	end := offset + limit
	if end > len(part) {
		end = len(part)
	}
	out := make([]*model.ComparisonRecord, end-offset)
	copy(out, part[offset:end])
	return out, nil
}

func (r *MemoryCacheRepository) PruneVersions(_ context.Context, runID uint64, columnsKey string, keepFrom int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[memoryKey(runID, columnsKey)]
	if !ok {
		return nil
	}
	for v := range e.versions {
		if v < keepFrom {
			delete(e.versions, v)
		}
	}
	return nil
}
