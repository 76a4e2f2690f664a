package xerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBusiness(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"expired", ErrRegistrationExpired, true},
		{"wrapped plan not found", fmt.Errorf("resolve plan: %w", ErrPlanNotFound), true},
		{"amount mismatch", Wrap(ErrAmountMismatch, "plan change"), true},
		{"storage", ErrTransientStorage, false},
		{"timeout", ErrProviderTimeout, false},
		{"plain", fmt.Errorf("connection reset"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBusiness(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ctx"))

	err := Wrap(ErrNotFound, "load plan")
	assert.True(t, Is(err, ErrNotFound))
	assert.Equal(t, "load plan: resource not found", err.Error())
}
