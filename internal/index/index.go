package index

import (
	"fmt"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"go.uber.org/zap"
)

// Index is the canonical most-recently-active-first list of conversations.
//
// Records live in a single arena keyed by conversation id; the ordered list
// and the position table only hold ids, so the two views cannot disagree on
// a conversation's fields. Index is not safe for concurrent use: its owner
// (the sync controller) serializes access.
type Index struct {
	convs map[string]*model.Conversation
	order []string
	pos   map[string]int

	bus    *bus.Bus
	logger *zap.Logger
}

// New creates an empty index. Changes are published on b under "index.".
func New(b *bus.Bus, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		convs:  make(map[string]*model.Conversation),
		pos:    make(map[string]int),
		bus:    b,
		logger: logger,
	}
}

// Len returns the number of conversations.
func (x *Index) Len() int { return len(x.order) }

// Lookup returns the shared record for id.
func (x *Index) Lookup(id string) (*model.Conversation, error) {
	c, ok := x.convs[id]
	if !ok {
		return nil, fmt.Errorf("lookup %q: %w", id, model.ErrNotFound)
	}
	return c, nil
}

// Contains reports whether id is indexed.
func (x *Index) Contains(id string) bool {
	_, ok := x.convs[id]
	return ok
}

// Position returns the current list position of id.
func (x *Index) Position(id string) (int, bool) {
	p, ok := x.pos[id]
	return p, ok
}

// Conversations returns the shared records in list order.
func (x *Index) Conversations() []*model.Conversation {
	out := make([]*model.Conversation, len(x.order))
	for i, id := range x.order {
		out[i] = x.convs[id]
	}
	return out
}

// IDs returns a copy of the ordered ids.
func (x *Index) IDs() []string {
	out := make([]string, len(x.order))
	copy(out, x.order)
	return out
}

// Upsert inserts an unknown conversation at the end of the list, or merges
// the fixed field set into the existing record in place. Either way the
// record is then repositioned. It returns the shared record and whether it
// was newly inserted.
func (x *Index) Upsert(c *model.Conversation) (*model.Conversation, bool) {
	rec, ok := x.convs[c.ID]
	if !ok {
		rec = c.Clone()
		x.convs[rec.ID] = rec
		x.pos[rec.ID] = len(x.order)
		x.order = append(x.order, rec.ID)
		x.emit(Change{Op: OpInserted, ID: rec.ID, To: x.pos[rec.ID], Conversation: rec.Clone()})
	} else {
		merge(rec, c)
		x.emit(Change{Op: OpUpdated, ID: rec.ID, To: x.pos[rec.ID], Conversation: rec.Clone()})
	}
	x.reposition(rec.ID)
	return rec, !ok
}

// Touched publishes an update for a record that was mutated in place by
// the owner without going through Upsert.
func (x *Index) Touched(id string) {
	if rec, ok := x.convs[id]; ok {
		x.emit(Change{Op: OpUpdated, ID: id, To: x.pos[id], Conversation: rec.Clone()})
	}
}

func merge(dst, src *model.Conversation) {
	dst.LastActiveTimestamp = src.LastActiveTimestamp
	dst.CanReceive = src.CanReceive
	dst.LastMessage = src.LastMessage
	dst.LastSeenMessage = src.LastSeenMessage
	dst.LastSeenMessageIndex = src.LastSeenMessageIndex
	dst.MessagesCount = src.MessagesCount
	dst.DisplayName = src.DisplayName
	dst.UnreadCount = src.UnreadCount
	switch {
	case dst.Kind == model.KindContact && src.Kind == model.KindContact:
		dst.Color = src.Color
	case dst.Kind == model.KindGroup && src.Kind == model.KindGroup:
		dst.Members = append([]model.GroupMembership(nil), src.Members...)
	}
}

// Reposition moves id to its place by last-active timestamp. It scans from
// the front and moves the target before the first conversation that is
// strictly older; reaching the target first means no forward move. A target
// that became older than its successors is moved back past them.
func (x *Index) Reposition(id string) (bool, error) {
	if _, ok := x.pos[id]; !ok {
		return false, fmt.Errorf("reposition %q: %w", id, model.ErrNotFound)
	}
	return x.reposition(id), nil
}

func (x *Index) reposition(id string) bool {
	p := x.pos[id]
	ts := x.convs[id].LastActiveTimestamp

	for i := 0; i < p; i++ {
		if ts > x.convs[x.order[i]].LastActiveTimestamp {
			x.logger.Debug("moving conversation", zap.String("conversation_id", id), zap.Int("from", p), zap.Int("to", i))
			x.move(p, i)
			return true
		}
	}

	to := p
	for to+1 < len(x.order) && x.convs[x.order[to+1]].LastActiveTimestamp > ts {
		to++
	}
	if to == p {
		return false
	}
	x.logger.Debug("moving conversation", zap.String("conversation_id", id), zap.Int("from", p), zap.Int("to", to))
	x.move(p, to)
	return true
}

func (x *Index) move(from, to int) {
	id := x.order[from]
	if from > to {
		copy(x.order[to+1:from+1], x.order[to:from])
	} else {
		copy(x.order[from:to], x.order[from+1:to+1])
	}
	x.order[to] = id

	lo, hi := min(from, to), max(from, to)
	for i := lo; i <= hi; i++ {
		x.pos[x.order[i]] = i
	}
	x.emit(Change{Op: OpMoved, ID: id, From: from, To: to})
}

// ReplaceAll clears the index and rebuilds it from convs in the given order.
// Records are fresh copies, so references obtained before the call are stale.
// Duplicate ids after the first occurrence are ignored.
func (x *Index) ReplaceAll(convs []*model.Conversation) {
	x.convs = make(map[string]*model.Conversation, len(convs))
	x.pos = make(map[string]int, len(convs))
	x.order = make([]string, 0, len(convs))
	x.emit(Change{Op: OpCleared})

	for _, c := range convs {
		if _, dup := x.convs[c.ID]; dup {
			x.logger.Warn("duplicate conversation in replacement list", zap.String("conversation_id", c.ID))
			continue
		}
		rec := c.Clone()
		x.convs[rec.ID] = rec
		x.pos[rec.ID] = len(x.order)
		x.order = append(x.order, rec.ID)
		x.emit(Change{Op: OpInserted, ID: rec.ID, To: x.pos[rec.ID], Conversation: rec.Clone()})
	}
}

func (x *Index) emit(c Change) {
	x.bus.Emit(EventPrefix+string(c.Op), c)
}
