package exchange

import (
	"fmt"
	"sync"
)

// Exchanger is the state machine shared by the halo, redistribution and
// reverse passes. The phases must run in declaration order; each is
// idempotent per step, so re-running a phase with unchanged inputs
// reproduces identical buffer contents.
type Exchanger interface {
	Name() string

	// NeedExchange short-circuits the whole phase sequence for a
	// participant with nothing to exchange this step.
	NeedExchange(step int) bool

	PrepareSizes(step int) error
	ExchangeSizes() error
	ResizeBuffers() error
	PrepareData() error
	ExchangeData() error
	CombineAndUnpack() error
}

// Run drives one exchanger through a full phase sequence for one step.
func Run(step int, ex Exchanger) error {
	if !ex.NeedExchange(step) {
		return nil
	}
	phases := []struct {
		name string
		fn   func() error
	}{
		{"prepareSizes", func() error { return ex.PrepareSizes(step) }},
		{"exchangeSizes", ex.ExchangeSizes},
		{"resizeBuffers", ex.ResizeBuffers},
		{"prepareData", ex.PrepareData},
		{"exchangeData", ex.ExchangeData},
		{"combineAndUnpack", ex.CombineAndUnpack},
	}
	for _, p := range phases {
		if err := p.fn(); err != nil {
			return fmt.Errorf("%s: %s failed: %w", ex.Name(), p.name, err)
		}
	}
	return nil
}

// RunAll drives several participants' exchangers concurrently. Each
// exchanger owns its buffers, stream and communicator, so no
// cross-participant locking is needed.
func RunAll(step int, exchangers ...Exchanger) error {
	if len(exchangers) == 1 {
		return Run(step, exchangers[0])
	}
	var wg sync.WaitGroup
	errs := make([]error, len(exchangers))
	for i, ex := range exchangers {
		wg.Add(1)
		go func(i int, ex Exchanger) {
			defer wg.Done()
			errs[i] = Run(step, ex)
		}(i, ex)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
