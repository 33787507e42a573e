package monitor

import (
	"sort"
	"sync"

	"signal-trader/internal/models"
)

// entry holds one tracked order. mu serializes every pass over the order.
type entry struct {
	mu    sync.Mutex
	order models.Order
}

func (e *entry) snapshot() models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order
}

// registry indexes tracked orders by client order id and broker order id.
type registry struct {
	mu       sync.RWMutex
	orders   map[string]*entry
	byBroker map[string]string
}

func newRegistry() *registry {
	return &registry{
		orders:   make(map[string]*entry),
		byBroker: make(map[string]string),
	}
}

// add inserts o and returns its entry locked. When the client order id is
// already tracked the existing entry is returned unlocked and created is false.
func (r *registry) add(o models.Order) (e *entry, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.orders[o.ClientOrderID]; ok {
		return existing, false
	}

	e = &entry{order: o}
	e.mu.Lock()
	r.orders[o.ClientOrderID] = e
	if o.BrokerOrderID != "" {
		r.byBroker[o.BrokerOrderID] = o.ClientOrderID
	}
	return e, true
}

func (r *registry) get(clientOrderID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orders[clientOrderID]
}

func (r *registry) getByBroker(brokerOrderID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byBroker[brokerOrderID]
	if !ok {
		return nil
	}
	return r.orders[id]
}

func (r *registry) setBroker(brokerOrderID, clientOrderID string) {
	if brokerOrderID == "" {
		return
	}
	r.mu.Lock()
	r.byBroker[brokerOrderID] = clientOrderID
	r.mu.Unlock()
}

func (r *registry) remove(o models.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, o.ClientOrderID)
	if o.BrokerOrderID != "" {
		delete(r.byBroker, o.BrokerOrderID)
	}
}

func (r *registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.orders))
	for _, e := range r.orders {
		out = append(out, e)
	}
	return out
}

// list returns copies of all tracked orders ordered by submission time.
func (r *registry) list() []models.Order {
	entries := r.entries()
	out := make([]models.Order, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}
