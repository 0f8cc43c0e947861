// Package errors 提供廣播網路的應用程式錯誤
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeRejected 准入中介層拒絕連線
	ErrCodeRejected = "REJECTED"
	// ErrCodeInvalidInput 無效輸入（呼叫端錯誤）
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeDisconnected 連線已斷開
	ErrCodeDisconnected = "DISCONNECTED"
	// ErrCodeUnavailable 共享存儲不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeTimeout 超時錯誤
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（以錯誤碼比對）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊
//
// 回傳副本，避免修改預定義錯誤。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Rejected 建立准入拒絕錯誤，reason 會原樣回傳給客戶端
func Rejected(reason string) *AppError {
	return New(ErrCodeRejected, reason)
}

// 預定義錯誤
var (
	// ErrConnDisconnected 對已斷開的連線操作
	ErrConnDisconnected = New(ErrCodeDisconnected, "connection is disconnected")

	// ErrEmptyRoom 房間名稱為空
	ErrEmptyRoom = New(ErrCodeInvalidInput, "room name must not be empty")

	// ErrPrivateRoom 私有房間只屬於同 ID 的連線
	ErrPrivateRoom = New(ErrCodeInvalidInput, "private room is reserved for its connection")

	// ErrNamespaceNotFound 命名空間不存在
	ErrNamespaceNotFound = New(ErrCodeNotFound, "namespace not found")

	// ErrInvalidConfig 配置無效
	ErrInvalidConfig = New(ErrCodeInvalidInput, "invalid configuration")
)

// IsRejected 檢查是否為准入拒絕
func IsRejected(err error) bool {
	return hasCode(err, ErrCodeRejected)
}

// IsInvalidInput 檢查是否為呼叫端輸入錯誤
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsDisconnected 檢查是否為連線已斷開
func IsDisconnected(err error) bool {
	return hasCode(err, ErrCodeDisconnected)
}

// IsUnavailable 檢查是否為存儲不可用
func IsUnavailable(err error) bool {
	return hasCode(err, ErrCodeUnavailable)
}

// IsTimeout 檢查是否為超時錯誤
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// Reason 取出面向客戶端的錯誤原因
func Reason(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Details != "" {
			return appErr.Message + ": " + appErr.Details
		}
		return appErr.Message
	}
	return err.Error()
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
