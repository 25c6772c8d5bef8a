// Package hub fans accepted mutations out to every live viewer of a sheet.
package hub

import (
	"log"
	"sync"

	"github.com/strikeDusha/noexcel/internal/util"
)

const DefaultQueueSize = 64

// Subscriber is one live connection's view of a sheet. Messages arrive on C
// in the order they were published for that sheet; the owner drains C and
// calls Unsubscribe when the connection goes away.
type Subscriber struct {
	ID            string
	SpreadsheetID string
	C             chan any

	closed bool
}

// Hub is the process-wide connection registry, keyed by spreadsheet id. The
// mutex is held only for registry mutation and enqueueing; network sends
// happen on the subscribers' own writer goroutines, so a slow connection
// never stalls registration or publishing.
type Hub struct {
	mu        sync.Mutex
	sheets    map[string]map[string]*Subscriber
	latest    map[string]map[int64]int64
	queueSize int
	dropped   int64
}

func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		sheets:    make(map[string]map[string]*Subscriber),
		latest:    make(map[string]map[int64]int64),
		queueSize: queueSize,
	}
}

func (h *Hub) Subscribe(spreadsheetID string) *Subscriber {
	sub := &Subscriber{
		ID:            util.NewID("sub"),
		SpreadsheetID: spreadsheetID,
		C:             make(chan any, h.queueSize),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.sheets[spreadsheetID]
	if conns == nil {
		conns = make(map[string]*Subscriber)
		h.sheets[spreadsheetID] = conns
	}
	conns[sub.ID] = sub
	return sub
}

// Unsubscribe removes the connection promptly; publishes racing with the
// removal become no-ops for it.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	conns := h.sheets[sub.SpreadsheetID]
	if conns == nil {
		return
	}
	if _, ok := conns[sub.ID]; !ok {
		return
	}
	delete(conns, sub.ID)
	if len(conns) == 0 {
		delete(h.sheets, sub.SpreadsheetID)
		delete(h.latest, sub.SpreadsheetID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.C)
	}
}

// Publish enqueues message for every current subscriber of the sheet and
// returns without waiting for any send to complete. Enqueueing happens
// under the registry lock, so one publish cannot interleave with another.
// A full queue drops the new message for that subscriber only.
func (h *Hub) Publish(spreadsheetID string, message any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.sheets[spreadsheetID]
	if len(conns) == 0 {
		return
	}
	if !h.admitLocked(spreadsheetID, message) {
		return
	}
	for _, sub := range conns {
		select {
		case sub.C <- message:
		default:
			h.dropped++
			log.Printf(`{"event":"broadcast_dropped","sheet":"%s","subscriber":"%s"}`, spreadsheetID, sub.ID)
		}
	}
}

// admitLocked enforces per-row version monotonicity across publishers. The
// storage commit and the publish are separate steps with no lock spanning
// them, so a writer can be overtaken in between: its row is already at a
// higher version by the time its own broadcast reaches the hub. Delivering
// that broadcast would show subscribers versions out of commit order, so a
// message not above the highest version already admitted for its row is
// dropped instead; the admitted message subsumes it. An insert starts a new
// version sequence for its address, since rows recreated after deletion
// begin again at version one.
func (h *Hub) admitLocked(spreadsheetID string, message any) bool {
	payload, ok := message.(map[string]any)
	if !ok {
		return true
	}
	rowIndex, ok := asInt64(payload["rowIndex"])
	if !ok {
		return true
	}
	version, ok := asInt64(payload["version"])
	if !ok {
		return true
	}
	rows := h.latest[spreadsheetID]
	if rows == nil {
		rows = make(map[int64]int64)
		h.latest[spreadsheetID] = rows
	}
	if payload["type"] == "row_inserted" {
		rows[rowIndex] = version
		return true
	}
	if last, ok := rows[rowIndex]; ok && version <= last {
		h.dropped++
		log.Printf(`{"event":"stale_broadcast_dropped","sheet":"%s","row":%d,"version":%d,"latest":%d}`, spreadsheetID, rowIndex, version, last)
		return false
	}
	rows[rowIndex] = version
	return true
}

func asInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// SubscriberCount reports the number of live connections for a sheet.
func (h *Hub) SubscriberCount(spreadsheetID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sheets[spreadsheetID])
}

// Dropped reports how many messages were discarded on full queues.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Drain closes every subscriber. Used at shutdown.
func (h *Hub) Drain() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.sheets {
		for _, sub := range conns {
			if !sub.closed {
				sub.closed = true
				close(sub.C)
			}
		}
	}
	h.sheets = make(map[string]map[string]*Subscriber)
	h.latest = make(map[string]map[int64]int64)
}
