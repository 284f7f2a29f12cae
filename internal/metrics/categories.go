package metrics

import (
	"sync"
	"time"

	"github.com/omochice/chatlink/internal/clock"
	"github.com/omochice/chatlink/pkg/protocol"
)

// Category is the closed set of event classes tracked for diagnostics.
type Category string

const (
	CategoryOpen             Category = "open"
	CategoryClose            Category = "close"
	CategoryReconnectAttempt Category = "reconnectAttempt"
	CategoryReconnectSuccess Category = "reconnectSuccess"
	CategoryReconnectFail    Category = "reconnectFail"
	CategoryMessage          Category = "message"
	CategoryError            Category = "error"
	CategoryHeartbeatSent    Category = "heartbeatSent"
	CategoryHeartbeatLost    Category = "heartbeatLost"
	CategoryAdaptiveChange   Category = "adaptiveChange"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryOpen,
	CategoryClose,
	CategoryReconnectAttempt,
	CategoryReconnectSuccess,
	CategoryReconnectFail,
	CategoryMessage,
	CategoryError,
	CategoryHeartbeatSent,
	CategoryHeartbeatLost,
	CategoryAdaptiveChange,
}

var lifecycleCategories = map[string]Category{
	protocol.TypeOpen:             CategoryOpen,
	protocol.TypeClose:            CategoryClose,
	protocol.TypeReconnectAttempt: CategoryReconnectAttempt,
	protocol.TypeReconnectSuccess: CategoryReconnectSuccess,
	protocol.TypeReconnectFail:    CategoryReconnectFail,
	protocol.TypeError:            CategoryError,
	protocol.TypeHeartbeatSent:    CategoryHeartbeatSent,
	protocol.TypeHeartbeatLost:    CategoryHeartbeatLost,
	protocol.TypeAdaptiveChange:   CategoryAdaptiveChange,
}

// Classify maps a normalized event to its category. Events outside the
// closed set (typing, conversation updates, acks...) report false.
func Classify(ev protocol.Event) (Category, bool) {
	if ev.IsMessage() {
		return CategoryMessage, true
	}
	if ev.Kind == protocol.EventKindLifecycle {
		c, ok := lifecycleCategories[ev.Type]
		return c, ok
	}
	return "", false
}

// CategoryStat is the exported view of one category.
type CategoryStat struct {
	Category Category     `yaml:"category"`
	Total    int64        `yaml:"total"`
	Last     time.Time    `yaml:"last"`
	Windows  []WindowRate `yaml:"windows"`
}

// CategoryTracker keeps a lifetime counter and a windowed timestamp history
// per category.
type CategoryTracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows []time.Duration
	totals  map[Category]int64
	last    map[Category]time.Time
	history map[Category]*RateWindowTracker
}

// NewCategoryTracker creates a tracker using windows for every category.
func NewCategoryTracker(clk clock.Clock, windows ...time.Duration) *CategoryTracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &CategoryTracker{
		clock:   clk,
		windows: windows,
		totals:  make(map[Category]int64),
		last:    make(map[Category]time.Time),
		history: make(map[Category]*RateWindowTracker),
	}
}

// Record timestamps one event of category c.
func (t *CategoryTracker) Record(c Category) {
	now := t.clock.Now()

	t.mu.Lock()
	h, ok := t.history[c]
	if !ok {
		h = NewRateWindowTracker(t.clock, t.windows...)
		t.history[c] = h
	}
	t.totals[c]++
	t.last[c] = now
	t.mu.Unlock()

	h.RecordAt(now)
}

// Total returns the lifetime count of c.
func (t *CategoryTracker) Total(c Category) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[c]
}

// Export lists every category that has been observed, in Categories order.
func (t *CategoryTracker) Export() []CategoryStat {
	t.mu.Lock()
	type entry struct {
		c     Category
		total int64
		last  time.Time
		h     *RateWindowTracker
	}
	entries := make([]entry, 0, len(t.history))
	for _, c := range Categories {
		if h, ok := t.history[c]; ok {
			entries = append(entries, entry{c: c, total: t.totals[c], last: t.last[c], h: h})
		}
	}
	t.mu.Unlock()

	out := make([]CategoryStat, 0, len(entries))
	for _, e := range entries {
		out = append(out, CategoryStat{
			Category: e.c,
			Total:    e.total,
			Last:     e.last,
			Windows:  e.h.Export(),
		})
	}
	return out
}
