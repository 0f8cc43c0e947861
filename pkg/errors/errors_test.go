package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// TestAppError_Is 測試以錯誤碼比對
func TestAppError_Is(t *testing.T) {
	wrapped := fmt.Errorf("join: %w", apperrors.ErrConnDisconnected)

	assert.True(t, stderrors.Is(wrapped, apperrors.ErrConnDisconnected))
	assert.True(t, apperrors.IsDisconnected(wrapped))
	assert.False(t, apperrors.IsRejected(wrapped))
}

// TestAppError_WithDetails 測試附加細節不會修改預定義錯誤
func TestAppError_WithDetails(t *testing.T) {
	err := apperrors.ErrEmptyRoom.WithDetails("conn abc")

	assert.Equal(t, "conn abc", err.Details)
	assert.Empty(t, apperrors.ErrEmptyRoom.Details)
	assert.True(t, apperrors.IsInvalidInput(err))
}

// TestReason 測試客戶端可見的原因
func TestReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rejected", apperrors.Rejected("token expired"), "token expired"},
		{"with details", apperrors.ErrEmptyRoom.WithDetails("x"), "room name must not be empty: x"},
		{"plain error", stderrors.New("boom"), "boom"},
		{"wrapped store error", apperrors.Wrap(stderrors.New("dial tcp"), apperrors.ErrCodeUnavailable, "publish failed"), "publish failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.Reason(tt.err))
		})
	}
}
