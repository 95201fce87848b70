package model

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类，handler 按分类映射 HTTP 状态码，客户端按分类还原错误
type ErrorKind string

const (
	KindNotFound             ErrorKind = "not_found"
	KindCacheAbsent          ErrorKind = "cache_absent"
	KindGeneration           ErrorKind = "generation_failed"
	KindInvalidRange         ErrorKind = "invalid_range"
	KindGenerationInProgress ErrorKind = "generation_in_progress"
	KindTimeout              ErrorKind = "timeout"
	KindCorrupt              ErrorKind = "corrupt"
)

// CompareError 对比缓存相关的业务错误
type CompareError struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *CompareError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *CompareError) Unwrap() error { return e.Err }

// Is 同分类即视为相等，便于 errors.Is(err, model.ErrNotFound)
func (e *CompareError) Is(target error) bool {
	var t *CompareError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound             = &CompareError{Kind: KindNotFound}
	ErrCacheAbsent          = &CompareError{Kind: KindCacheAbsent}
	ErrGeneration           = &CompareError{Kind: KindGeneration}
	ErrInvalidRange         = &CompareError{Kind: KindInvalidRange}
	ErrGenerationInProgress = &CompareError{Kind: KindGenerationInProgress}
	ErrTimeout              = &CompareError{Kind: KindTimeout}
	ErrCorrupt              = &CompareError{Kind: KindCorrupt}
)

// NewError 构造带分类的错误
func NewError(kind ErrorKind, op string, err error, format string, args ...any) *CompareError {
	return &CompareError{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf 取错误分类，非业务错误返回空串
func KindOf(err error) ErrorKind {
	var ce *CompareError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
