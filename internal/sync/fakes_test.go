package sync

import (
	"errors"

	"github.com/matheus3301/convsync/internal/model"
)

type viewCall struct {
	op      string
	id      string
	index   int64
	members int
	name    string
}

type fakeView struct {
	calls []viewCall
}

func (v *fakeView) Load(conv *model.Conversation) {
	v.calls = append(v.calls, viewCall{op: "load", id: conv.ID})
}

func (v *fakeView) Append(msg *model.Message, index int64) {
	v.calls = append(v.calls, viewCall{op: "append", id: msg.ID, index: index})
}

func (v *fakeView) UpdateMessageBox(msg *model.Message) {
	v.calls = append(v.calls, viewCall{op: "update", id: msg.ID})
}

func (v *fakeView) Reload(conv *model.Conversation) {
	v.calls = append(v.calls, viewCall{op: "reload", id: conv.ID, members: len(conv.Members), name: conv.DisplayName})
}

func (v *fakeView) DisposeCurrentThread() {
	v.calls = append(v.calls, viewCall{op: "dispose"})
}

func (v *fakeView) count(op string) int {
	n := 0
	for _, c := range v.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (v *fakeView) last() viewCall {
	if len(v.calls) == 0 {
		return viewCall{}
	}
	return v.calls[len(v.calls)-1]
}

type fakeNotifier struct {
	vibrate, message, tile int
	fail                   bool
}

var errNotify = errors.New("notifier offline")

func (n *fakeNotifier) NotifyVibrate() error {
	n.vibrate++
	if n.fail {
		return errNotify
	}
	return nil
}

func (n *fakeNotifier) NotifyMessage(*model.Message) error {
	n.message++
	if n.fail {
		return errNotify
	}
	return nil
}

func (n *fakeNotifier) NotifyTile(*model.Message) error {
	n.tile++
	if n.fail {
		return errNotify
	}
	return nil
}

func contact(id string, ts int64) *model.Conversation {
	return &model.Conversation{ID: id, Kind: model.KindContact, DisplayName: id, LastActiveTimestamp: ts}
}
