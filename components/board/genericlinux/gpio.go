//go:build linux

package genericlinux

import (
	"context"
	"sync"

	"github.com/mkch/gpio"
	goutils "go.viam.com/utils"

	"github.com/envsense/hal/components/board"
	"github.com/envsense/hal/utils"
)

const consumerLabel = "envsense"

type digitalInput struct {
	mu   sync.Mutex
	line *gpio.Line
}

func openInput(chipPath string, offset int) (*digitalInput, error) {
	chip, err := gpio.OpenChip(chipPath)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(chip.Close)

	line, err := chip.OpenLine(uint32(offset), 0, gpio.Input, consumerLabel)
	if err != nil {
		return nil, err
	}
	return &digitalInput{line: line}, nil
}

func (in *digitalInput) Value(ctx context.Context) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	value, err := in.line.Value()
	if err != nil {
		return false, err
	}
	// We'd expect value to be either 0 or 1, but any non-zero value should be considered high.
	return value != 0, nil
}

func (in *digitalInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.line.Close()
}

type digitalInterrupt struct {
	line  *gpio.LineWithEvent
	edges chan board.Edge
}

func openInterrupt(chipPath string, offset int, workers utils.StoppableWorkers) (*digitalInterrupt, error) {
	chip, err := gpio.OpenChip(chipPath)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(chip.Close)

	line, err := chip.OpenLineWithEvents(uint32(offset), gpio.Input, gpio.BothEdges, consumerLabel)
	if err != nil {
		return nil, err
	}

	di := &digitalInterrupt{line: line, edges: make(chan board.Edge, 16)}
	workers.AddWorkers(di.monitor)
	return di, nil
}

func (di *digitalInterrupt) monitor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-di.line.Events():
			if !ok {
				return
			}
			select {
			case di.edges <- board.Edge{Rising: event.RisingEdge, Time: event.Time}:
			default:
			}
		}
	}
}

func (di *digitalInterrupt) Value(ctx context.Context) (bool, error) {
	value, err := di.line.Value()
	if err != nil {
		return false, err
	}
	return value != 0, nil
}

func (di *digitalInterrupt) Edges() <-chan board.Edge {
	return di.edges
}

// Close releases the line. The monitor goroutine exits once the event channel is closed or the
// board stops its workers.
func (di *digitalInterrupt) Close() error {
	return di.line.Close()
}
