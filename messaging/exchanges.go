package messaging

import (
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-flow/channel"
)

// ExchangeStatus represents the status of a request/reply exchange
type ExchangeStatus string

const (
	ExchangeStatusPending   ExchangeStatus = "pending"
	ExchangeStatusCompleted ExchangeStatus = "completed"
	ExchangeStatusTimeout   ExchangeStatus = "timeout"
	ExchangeStatusFailed    ExchangeStatus = "failed"
)

// Exchange is an in-flight request/reply exchange
type Exchange struct {
	RequestID     string
	CorrelationID string
	ReplyChannel  channel.PollableChannel
	Status        ExchangeStatus
	SentAt        time.Time
	CompletedAt   *time.Time
	Timeout       time.Duration
}

// ExchangeTracker tracks in-flight exchanges by request message id. Several
// exchanges may share a correlation id.
type ExchangeTracker struct {
	mu        sync.RWMutex
	exchanges map[string]*Exchange
}

// NewExchangeTracker creates a new exchange tracker
func NewExchangeTracker() *ExchangeTracker {
	return &ExchangeTracker{
		exchanges: make(map[string]*Exchange),
	}
}

func (t *ExchangeTracker) track(exchange *Exchange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges[exchange.RequestID] = exchange
}

// finish records the final status and stops tracking the exchange
func (t *ExchangeTracker) finish(requestID string, status ExchangeStatus) *Exchange {
	t.mu.Lock()
	defer t.mu.Unlock()

	exchange, exists := t.exchanges[requestID]
	if !exists {
		return nil
	}
	now := time.Now()
	exchange.Status = status
	exchange.CompletedAt = &now
	delete(t.exchanges, requestID)
	return exchange
}

// Get returns the pending exchange of the request with the given message id
func (t *ExchangeTracker) Get(requestID string) (*Exchange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	exchange, ok := t.exchanges[requestID]
	return exchange, ok
}

// ForCorrelation returns the pending exchanges sharing correlationID ordered
// by send time
func (t *ExchangeTracker) ForCorrelation(correlationID string) []*Exchange {
	var matching []*Exchange
	for _, exchange := range t.Active() {
		if exchange.CorrelationID == correlationID {
			matching = append(matching, exchange)
		}
	}
	return matching
}

// Active returns the pending exchanges ordered by send time
func (t *ExchangeTracker) Active() []*Exchange {
	t.mu.RLock()
	defer t.mu.RUnlock()

	active := make([]*Exchange, 0, len(t.exchanges))
	for _, exchange := range t.exchanges {
		active = append(active, exchange)
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].SentAt.Before(active[j].SentAt)
	})
	return active
}

// Len returns the number of pending exchanges
func (t *ExchangeTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.exchanges)
}
