package trace

// History is a bounded log of tick records. Once the limit is reached the
// oldest records are dropped.
type History struct {
	Limit   int // <= 0 means unbounded
	Dropped int // records evicted so far

	records []Record
	head    int
}

// NewHistory creates a History holding at most limit records.
func NewHistory(limit int) *History {
	return &History{Limit: limit}
}

// Append adds a record, evicting the oldest one when full.
func (h *History) Append(r Record) {
	if h.Limit <= 0 || len(h.records) < h.Limit {
		h.records = append(h.records, r)
		return
	}
	h.records[h.head] = r
	h.head = (h.head + 1) % h.Limit
	h.Dropped++
}

// Len returns the number of retained records.
func (h *History) Len() int { return len(h.records) }

// Records returns the retained records, oldest first.
func (h *History) Records() []Record {
	out := make([]Record, 0, len(h.records))
	out = append(out, h.records[h.head:]...)
	return append(out, h.records[:h.head]...)
}
