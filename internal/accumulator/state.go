package accumulator

// Phase 单个分类缓冲区的加载阶段
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseLoading        Phase = "loading"
	PhaseLoadedPartial  Phase = "loaded_partial"
	PhaseLoadedComplete Phase = "loaded_complete"
)

// EventKind 驱动状态变化的事件
type EventKind int

const (
	EventFetchStarted EventKind = iota
	EventPageLoaded
	EventFetchFailed
	EventFetchCancelled
	EventReset
)

// Event 状态事件；PageLoaded 携带本页条数与服务端总数
type Event struct {
	Kind    EventKind
	Count   int
	Total   int64
	HasMore bool
	Err     string
}

// Status 分类缓冲区状态
type Status struct {
	Phase  Phase  `json:"phase"`
	Loaded int    `json:"loaded"` // 已加载条数，即下一页的 offset
	Total  int64  `json:"total"`
	Err    string `json:"error,omitempty"`

	// Loading 之前的阶段，取消或失败时恢复
	resume Phase
}

// Offset 下一次请求的 offset
func (s Status) Offset() int { return s.Loaded }

// Transition 纯函数：返回新状态以及事件是否被接受
// 不被接受的事件（如 Loading 中再次发起请求、已全部加载后继续请求）不改变状态
func Transition(s Status, ev Event) (Status, bool) {
	switch ev.Kind {
	case EventReset:
		return Status{Phase: PhaseIdle}, true

	case EventFetchStarted:
		switch s.Phase {
		case PhaseIdle, PhaseLoadedPartial:
			next := s
			next.resume = s.Phase
			next.Phase = PhaseLoading
			next.Err = ""
			return next, true
		}
		return s, false

	case EventPageLoaded:
		if s.Phase != PhaseLoading {
			return s, false
		}
		next := s
		next.Loaded += ev.Count
		next.Total = ev.Total
		next.resume = ""
		// 空页不再继续请求，避免死循环
		if ev.HasMore && ev.Count > 0 {
			next.Phase = PhaseLoadedPartial
		} else {
			next.Phase = PhaseLoadedComplete
		}
		return next, true

	case EventFetchFailed, EventFetchCancelled:
		if s.Phase != PhaseLoading {
			return s, false
		}
		next := s
		next.Phase = s.resume
		if next.Phase == "" {
			next.Phase = PhaseIdle
		}
		next.resume = ""
		if ev.Kind == EventFetchFailed {
			next.Err = ev.Err
		}
		return next, true
	}
	return s, false
}
