package strategy

import (
	"sort"
	"sync"

	"github.com/yanun0323/errors"
)

var ErrUnknownStrategy = errors.New("strategy: not registered")

// Factory builds a fresh strategy instance for one worker. Each
// back-test worker gets its own instance so no strategy state crosses
// a worker boundary.
type Factory func(params map[string]float64, codes []string) Strategy

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a named factory. Later registrations with the same
// name replace earlier ones.
func Register(name string, f Factory) {
	regMu.Lock()
	factories[name] = f
	regMu.Unlock()
}

// New instantiates a registered strategy.
func New(name string, params map[string]float64, codes []string) (Strategy, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownStrategy, name)
	}
	return f(params, codes), nil
}

// Names lists the registered strategies, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
