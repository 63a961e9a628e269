//go:build !darwin && !linux

package keepawake

import (
	"context"

	apperrors "github.com/lairsandllamas/host/internal/errors"
)

// NewDefaultAdapter returns an adapter that always reports the platform
// as unsupported.
func NewDefaultAdapter() Adapter {
	return unsupportedAdapter{}
}

type unsupportedAdapter struct{}

func (unsupportedAdapter) Acquire(ctx context.Context) (Handle, error) {
	return nil, apperrors.New(apperrors.CodeKeepAwakeUnsupported, "keep-awake is unsupported on this host")
}
