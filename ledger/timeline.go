package ledger

// Timeline is a read-only view of a dispute's ledger. Accessors hand out
// copies, so callers cannot alter the recorded history through it.
type Timeline struct {
	entries []Entry
}

// NewTimeline copies entries into a timeline.
func NewTimeline(entries []Entry) Timeline {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = copyEntry(e)
	}
	return Timeline{entries: out}
}

func (t Timeline) Len() int {
	return len(t.entries)
}

func (t Timeline) At(i int) Entry {
	return copyEntry(t.entries[i])
}

// Entries returns a copy of the ordered entries.
func (t Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = copyEntry(e)
	}
	return out
}

func (t Timeline) Last() (Entry, bool) {
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return copyEntry(t.entries[len(t.entries)-1]), true
}

// Verify checks the hash chain of the whole timeline.
func (t Timeline) Verify() error {
	return Verify(t.entries)
}

// Extends reports whether t starts with every entry of earlier, in order.
func (t Timeline) Extends(earlier Timeline) bool {
	if len(earlier.entries) > len(t.entries) {
		return false
	}
	for i, e := range earlier.entries {
		if t.entries[i].ID != e.ID || t.entries[i].Hash != e.Hash {
			return false
		}
	}
	return true
}

func copyEntry(e Entry) Entry {
	e.Metadata = cloneMap(e.Metadata)
	return e
}
