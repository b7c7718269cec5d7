package pipeline

import (
	"context"
	"sync"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// Future is resolved exactly once with the result of a submitted item.
type Future struct {
	once sync.Once
	done chan struct{}
	res  *quantum.Result
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// Resolved returns a future that already holds res.
func Resolved(res *quantum.Result) *Future {
	f := newFuture()
	f.resolve(res)
	return f
}

func (f *Future) resolve(res *quantum.Result) {
	f.once.Do(func() {
		f.res = res
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the result if the future is resolved.
func (f *Future) Result() (*quantum.Result, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return nil, false
	}
}

func (f *Future) Wait(ctx context.Context) (*quantum.Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
