package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind 错误分类
type Kind string

const (
	KindNotFound                 Kind = "NOT_FOUND"
	KindValidation               Kind = "VALIDATION_ERROR"
	KindChainSubmission          Kind = "CHAIN_SUBMISSION_ERROR"
	KindChainConfirmationTimeout Kind = "CHAIN_CONFIRMATION_TIMEOUT"
	KindChainEventMissing        Kind = "CHAIN_EVENT_MISSING"
	KindPreconditionFailed       Kind = "PRECONDITION_FAILED"
	KindInternal                 Kind = "INTERNAL_ERROR"
)

// Error 业务错误
type Error struct {
	Code     Kind              `json:"code"`
	Message  string            `json:"message"`
	GRPCCode codes.Code        `json:"-"`
	Cause    error             `json:"-"`
	Details  map[string]string `json:"details,omitempty"`
	Stack    string            `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails 添加详情
func (e *Error) WithDetails(details map[string]string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string, len(details))
	}
	for k, v := range details {
		newErr.Details[k] = v
	}
	return newErr
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	return e.WithDetails(map[string]string{key: value})
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	newErr := e.Copy()
	newErr.Message = fmt.Sprintf(format, args...)
	return newErr
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:     e.Code,
		Message:  e.Message,
		GRPCCode: e.GRPCCode,
		Cause:    e.Cause,
		Stack:    e.Stack,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// MarshalJSON 实现 json.Marshaler
func (e *Error) MarshalJSON() ([]byte, error) {
	type Alias Error
	return json.Marshal(&struct {
		*Alias
		Error string `json:"error,omitempty"`
	}{
		Alias: (*Alias)(e),
		Error: e.Error(),
	})
}

// New 创建新错误
func New(kind Kind, message string, grpcCode codes.Code) *Error {
	return &Error{
		Code:     kind,
		Message:  message,
		GRPCCode: grpcCode,
	}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	newErr.Stack = getStack()
	return newErr
}

// Wrapf 包装错误并追加信息
func Wrapf(err *Error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Stack = getStack()
	return newErr
}

// WrapWithCause 包装错误并添加原因和信息
func WrapWithCause(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := Wrapf(err, format, args...)
	newErr.Cause = cause
	return newErr
}

func getStack() string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return builder.String()
}

// FromError 从标准错误转换, 未知错误视为内部错误
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}
	return Wrap(ErrInternal, err)
}

// 同步引擎错误
var (
	ErrNotFound                 = New(KindNotFound, "entity not found", codes.NotFound)
	ErrValidation               = New(KindValidation, "validation failed", codes.InvalidArgument)
	ErrChainSubmission          = New(KindChainSubmission, "ledger submission failed", codes.Unavailable)
	ErrChainConfirmationTimeout = New(KindChainConfirmationTimeout, "receipt not observed before deadline", codes.DeadlineExceeded)
	ErrChainEventMissing        = New(KindChainEventMissing, "expected ledger event missing", codes.DataLoss)
	ErrPreconditionFailed       = New(KindPreconditionFailed, "precondition failed", codes.FailedPrecondition)
	ErrInternal                 = New(KindInternal, "internal error", codes.Internal)
)

// ToGRPCError 转换为 gRPC 错误
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return status.Error(bizErr.GRPCCode, bizErr.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// As 提取错误类型
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// KindOf 获取错误分类, 非业务错误返回 INTERNAL_ERROR
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return KindInternal
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound)
}

// IsRetryable 判断同步是否可以从头重试
//
// 确认超时需要先经过对账才能重试, 这里返回 true 只表示调用方可以再次发起同步,
// 同步引擎会在重新提交前检查待确认交易。
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindChainSubmission, KindChainConfirmationTimeout:
		return true
	}
	return false
}
