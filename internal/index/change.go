package index

import "github.com/matheus3301/convsync/internal/model"

// EventPrefix is the bus namespace for list changes.
const EventPrefix = "index."

// Op is the kind of list change.
type Op string

const (
	OpInserted Op = "inserted"
	OpUpdated  Op = "updated"
	OpMoved    Op = "moved"
	OpCleared  Op = "cleared"
)

// Change is an incremental diff of the ordered list, enough for a bound view
// to patch itself. Conversation is a snapshot and is only set for Inserted
// and Updated.
type Change struct {
	Op           Op
	ID           string
	From         int
	To           int
	Conversation *model.Conversation
}

// Apply replays c onto an ordered id slice, as a bound view would.
func (c Change) Apply(ids []string) []string {
	switch c.Op {
	case OpCleared:
		return ids[:0]
	case OpInserted:
		ids = append(ids, "")
		copy(ids[c.To+1:], ids[c.To:])
		ids[c.To] = c.ID
	case OpMoved:
		id := ids[c.From]
		ids = append(ids[:c.From], ids[c.From+1:]...)
		ids = append(ids, "")
		copy(ids[c.To+1:], ids[c.To:])
		ids[c.To] = id
	}
	return ids
}
