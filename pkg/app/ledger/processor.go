package ledger

import (
	"fmt"

	"github.com/uhyunpark/quantaledger/pkg/app/core/effects"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// Processor validates and executes one payload type.
//
// Validate must not mutate state. Process may assume Validate passed on the
// same state and reports every mutation through the container; an error from
// Process is not a rejection, it means the ledger can no longer be trusted.
type Processor interface {
	Type() quantum.PayloadType
	Validate(ctx *Context, q *quantum.Quantum) error
	Process(ctx *Context, q *quantum.Quantum, c *effects.Container) error
}

// Registry maps payload tags to processors. It is built once at startup.
type Registry struct {
	processors map[quantum.PayloadType]Processor
}

func NewRegistry(ps ...Processor) (*Registry, error) {
	r := &Registry{processors: make(map[quantum.PayloadType]Processor, len(ps))}
	for _, p := range ps {
		if _, dup := r.processors[p.Type()]; dup {
			return nil, fmt.Errorf("duplicate processor for %s", p.Type())
		}
		r.processors[p.Type()] = p
	}
	return r, nil
}

// DefaultRegistry returns a registry with every built-in processor.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		orderProcessor{},
		cancelOrderProcessor{},
		withdrawalProcessor{},
		accountCreateProcessor{},
		depositProcessor{},
		constellationInitProcessor{},
		constellationUpdateProcessor{},
		cursorResetProcessor{},
		cleanupProcessor{},
	)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Get(t quantum.PayloadType) (Processor, bool) {
	p, ok := r.processors[t]
	return p, ok
}

func (r *Registry) Has(t quantum.PayloadType) bool {
	_, ok := r.processors[t]
	return ok
}

// Validate checks the payload shape and runs the processor's validation.
func (r *Registry) Validate(ctx *Context, q *quantum.Quantum) error {
	p, ok := r.processors[q.Payload.Type]
	if !ok {
		return quantum.Errorf(quantum.StatusUnexpectedMessage, "no processor for %s", q.Payload.Type)
	}
	if err := q.Payload.CheckShape(); err != nil {
		return err
	}
	return p.Validate(ctx, q)
}

// Process executes q and returns the recorded effects.
func (r *Registry) Process(ctx *Context, q *quantum.Quantum) ([]quantum.Effect, error) {
	p, ok := r.processors[q.Payload.Type]
	if !ok {
		return nil, fmt.Errorf("no processor for %s", q.Payload.Type)
	}
	c := effects.NewContainer(q.Apex, ctx.Accounts)
	if err := p.Process(ctx, q, c); err != nil {
		return c.Effects(), fmt.Errorf("process %s at apex %d: %w", q.Payload.Type, q.Apex, err)
	}
	return c.Effects(), nil
}
