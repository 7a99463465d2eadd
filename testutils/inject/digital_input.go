package inject

import (
	"context"

	"github.com/envsense/hal/components/board"
)

// DigitalInput is an injected DigitalInput.
type DigitalInput struct {
	board.DigitalInput
	ValueFunc func(ctx context.Context) (bool, error)
}

// Value calls the injected Value or the real version.
func (d *DigitalInput) Value(ctx context.Context) (bool, error) {
	if d.ValueFunc == nil {
		return d.DigitalInput.Value(ctx)
	}
	return d.ValueFunc(ctx)
}
