package stage

import "sync"

// Record is one past classification of an entity.
type Record struct {
	Tick  int64 `json:"tick"`
	Score int   `json:"score"`
	Stage Stage `json:"stage"`
}

// History keeps the most recent records per entity in memory. It is lost on
// restart, which leaves every token without a hysteresis advantage.
type History struct {
	mu      sync.Mutex
	size    int
	records map[string][]Record
}

func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{size: size, records: make(map[string][]Record)}
}

// Snapshot returns a copy of the records for key, oldest first.
func (h *History) Snapshot(key string) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	recs := h.records[key]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}

// Append records a decision with the next tick and evicts the oldest records
// beyond the configured size.
func (h *History) Append(key string, score int, st Stage) Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	recs := h.records[key]
	tick := int64(1)
	if n := len(recs); n > 0 {
		tick = recs[n-1].Tick + 1
	}
	rec := Record{Tick: tick, Score: score, Stage: st}
	recs = append(recs, rec)
	if len(recs) > h.size {
		recs = append([]Record(nil), recs[len(recs)-h.size:]...)
	}
	h.records[key] = recs
	return rec
}

// Forget drops all records for key.
func (h *History) Forget(key string) {
	h.mu.Lock()
	delete(h.records, key)
	h.mu.Unlock()
}

// Len returns the number of tracked entities.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
