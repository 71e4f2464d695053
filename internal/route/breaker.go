package route

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
)

// Breakers keeps one circuit breaker per model. A nil *Breakers lets every
// call through.
type Breakers struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	threshold uint32
	cooldown  time.Duration
}

// NewBreakers trips a model's breaker after threshold consecutive transient
// failures. A zero threshold disables breaking and returns nil.
func NewBreakers(threshold uint32, cooldown time.Duration) *Breakers {
	if threshold == 0 {
		return nil
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breakers{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (b *Breakers) get(model string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[model]
	if !ok {
		threshold := b.threshold
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        model,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     b.cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Only backend faults count against a model.
			IsSuccessful: func(err error) bool {
				return err == nil || !retry.IsTransient(err)
			},
		})
		b.breakers[model] = cb
	}
	return cb
}

func (b *Breakers) Allow(model string) bool {
	if b == nil {
		return true
	}
	return b.get(model).State() != gobreaker.StateOpen
}

func (b *Breakers) Execute(model string, fn func() (*provider.Response, error)) (*provider.Response, error) {
	if b == nil {
		return fn()
	}
	result, err := b.get(model).Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

// Record feeds the outcome of a call made outside Execute, such as a stream.
func (b *Breakers) Record(model string, err error) {
	if b == nil {
		return
	}
	_, _ = b.get(model).Execute(func() (interface{}, error) {
		return nil, err
	})
}

func (b *Breakers) State(model string) string {
	if b == nil {
		return gobreaker.StateClosed.String()
	}
	return b.get(model).State().String()
}
