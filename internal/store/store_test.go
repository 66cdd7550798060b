package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/matheus3301/convsync/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedConversation(t *testing.T, db *DB, c *model.Conversation) {
	t.Helper()
	if err := db.UpsertConversation(context.Background(), c); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + search)", result.Version)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert conversation", "INSERT INTO conversations (id, kind, display_name, last_active_at, messages_count, unread_count, can_receive, color) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", []any{"c1", "contact", "Alice", 1000, 0, 0, 1, "blue"}},
		{"insert member", "INSERT INTO group_members (group_id, contact_id, display_name, position) VALUES (?, ?, ?, ?)", []any{"c1", "m1", "Bob", 0}},
		{"insert message", "INSERT INTO messages (msg_id, conversation_id, author, received_at, body, direction, status) VALUES (?, ?, ?, ?, ?, ?, ?)", []any{"m1", "c1", "alice", 1000, "hello there", "incoming", "received"}},
		{"insert attachment", "INSERT INTO attachments (msg_id, position, content_type, size, file_name, status, key, digest) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", []any{"m1", 0, "image/png", 10, "a.png", "pending", []byte{1}, []byte{2}}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM messages_fts WHERE messages_fts MATCH 'hello'").Scan(&count); err != nil {
		t.Fatalf("full-text query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("full-text count = %d, want 1", count)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	seedConversation(t, db, &model.Conversation{ID: "alice", Kind: model.KindContact, DisplayName: "Alice", LastActiveTimestamp: 100, Color: "red", CanReceive: true})
	seedConversation(t, db, &model.Conversation{
		ID: "team", Kind: model.KindGroup, DisplayName: "Team", LastActiveTimestamp: 300,
		Members: []model.GroupMembership{{ContactID: "alice", DisplayName: "Alice"}, {ContactID: "bob", DisplayName: "Bob"}},
	})
	seedConversation(t, db, &model.Conversation{ID: "bob", Kind: model.KindContact, DisplayName: "Bob", LastActiveTimestamp: 200})

	convs, err := db.ListConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 3 {
		t.Fatalf("got %d conversations, want 3", len(convs))
	}
	if convs[0].ID != "team" || convs[1].ID != "bob" || convs[2].ID != "alice" {
		t.Errorf("order = %s %s %s, want team bob alice", convs[0].ID, convs[1].ID, convs[2].ID)
	}
	if !convs[0].IsGroup() || len(convs[0].Members) != 2 || convs[0].Members[1].ContactID != "bob" {
		t.Errorf("group members = %+v", convs[0].Members)
	}
	if convs[2].Color != "red" || !convs[2].CanReceive {
		t.Errorf("alice = %+v", convs[2])
	}

	// Replacing a group's members drops the old ones.
	seedConversation(t, db, &model.Conversation{
		ID: "team", Kind: model.KindGroup, DisplayName: "Team", LastActiveTimestamp: 300,
		Members: []model.GroupMembership{{ContactID: "carol"}},
	})
	got, err := db.GetConversation(ctx, "team")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Members) != 1 || got.Members[0].ContactID != "carol" {
		t.Errorf("members after replace = %+v", got.Members)
	}

	count, err := db.ConversationCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	db := testDB(t)
	_, err := db.GetConversation(context.Background(), "ghost")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveMessageBumpsConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, &model.Conversation{ID: "alice", Kind: model.KindContact, LastActiveTimestamp: 100, MessagesCount: 2})

	in := &model.Message{ID: "m1", ConversationID: "alice", Author: "alice", Content: "hi", Direction: model.Incoming, ReceivedTimestamp: 500, Status: model.StatusReceived}
	conv, err := db.SaveMessage(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if conv.MessagesCount != 3 || conv.UnreadCount != 1 || conv.LastActiveTimestamp != 500 {
		t.Errorf("conversation after save = %+v", conv)
	}
	if conv.LastMessage != in {
		t.Error("LastMessage should be the saved message")
	}

	out := &model.Message{ID: "m2", ConversationID: "alice", Content: "yo", Direction: model.Outgoing, ComposedTimestamp: 400}
	conv, err = db.SaveMessage(ctx, out)
	if err != nil {
		t.Fatal(err)
	}
	if conv.MessagesCount != 4 || conv.UnreadCount != 1 {
		t.Errorf("outgoing should not count as unread: %+v", conv)
	}
	if conv.LastActiveTimestamp != 500 {
		t.Errorf("last active = %d, must not go backwards", conv.LastActiveTimestamp)
	}

	// Saving the same id again is a no-op on counters.
	conv, err = db.SaveMessage(ctx, out)
	if err != nil {
		t.Fatal(err)
	}
	if conv.MessagesCount != 4 {
		t.Errorf("duplicate save bumped count to %d", conv.MessagesCount)
	}

	stored, err := db.GetConversation(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastMessage == nil || stored.LastMessage.ID != "m2" {
		t.Errorf("stored last message = %+v", stored.LastMessage)
	}
}

func TestSaveIdentityKeyChangeCountsLikeIndex(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, &model.Conversation{ID: "alice", Kind: model.KindContact, LastActiveTimestamp: 100})

	conv, err := db.SaveMessage(ctx, &model.Message{ID: "k1", ConversationID: "alice", Author: "alice",
		Direction: model.Outgoing, Read: true, Type: model.TypeIdentityKeyChange, ReceivedTimestamp: 900})
	if err != nil {
		t.Fatal(err)
	}
	if conv.MessagesCount != 1 || conv.UnreadCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", conv.MessagesCount, conv.UnreadCount)
	}
	if conv.LastActiveTimestamp != 100 {
		t.Errorf("last active = %d, identity key change must not move it", conv.LastActiveTimestamp)
	}
	if ok, err := db.HasMessage(ctx, "k1"); err != nil || !ok {
		t.Errorf("HasMessage = %v, %v", ok, err)
	}
	if ok, _ := db.HasMessage(ctx, "nope"); ok {
		t.Error("HasMessage reported an unknown id")
	}
}

func TestSaveMessageUnknownConversation(t *testing.T) {
	db := testDB(t)
	_, err := db.SaveMessage(context.Background(), &model.Message{ID: "m1", ConversationID: "ghost", Direction: model.Outgoing})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	count, _ := db.MessageCount(context.Background())
	if count != 0 {
		t.Errorf("message count = %d, want 0", count)
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, &model.Conversation{ID: "alice", Kind: model.KindContact})

	key := make([]byte, 64)
	for i := range key {
		key[i] = byte(i)
	}
	msg := &model.Message{
		ID: "m1", ConversationID: "alice", Direction: model.Outgoing, ComposedTimestamp: 10,
		Attachments: []*model.Attachment{{
			ContentType: "application/pdf", Size: 1234, FileName: "doc.pdf",
			Status: model.AttachmentInProgress, Key: key, Digest: []byte{9, 9}, StorageID: "attachments/x", UploadID: "u1",
		}},
	}
	if _, err := db.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateAttachmentStatus(ctx, "m1", 0, model.AttachmentComplete); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageStatus(ctx, "m1", model.StatusConfirmed); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusConfirmed || got.AttachmentsCount != 1 {
		t.Errorf("message = %+v", got)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(got.Attachments))
	}
	a := got.Attachments[0]
	if a.Status != model.AttachmentComplete || a.Size != 1234 || len(a.Key) != 64 || a.Key[63] != 63 || a.UploadID != "u1" {
		t.Errorf("attachment = %+v", a)
	}

	if err := db.UpdateAttachmentStatus(ctx, "m1", 5, model.AttachmentFailed); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("err = %v, want ErrMessageNotFound", err)
	}
	if _, err := db.GetMessage(ctx, "nope"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("err = %v, want ErrMessageNotFound", err)
	}
}

func TestListMessagesOldestFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, &model.Conversation{ID: "alice", Kind: model.KindContact})

	for i, ts := range []int64{300, 100, 200} {
		m := &model.Message{ID: string(rune('a' + i)), ConversationID: "alice", Author: "alice", Direction: model.Incoming, ReceivedTimestamp: ts}
		if err := db.UpsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages(ctx, "alice", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ReceivedTimestamp != 200 || msgs[1].ReceivedTimestamp != 300 {
		t.Errorf("timestamps = %d, %d; want the two newest, oldest first", msgs[0].ReceivedTimestamp, msgs[1].ReceivedTimestamp)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, &model.Conversation{ID: "alice", Kind: model.KindContact})
	seedConversation(t, db, &model.Conversation{ID: "bob", Kind: model.KindContact})

	for _, m := range []*model.Message{
		{ID: "1", ConversationID: "alice", Content: "lunch tomorrow?", Direction: model.Incoming, ReceivedTimestamp: 10},
		{ID: "2", ConversationID: "bob", Content: "lunch was great", Direction: model.Incoming, ReceivedTimestamp: 20},
		{ID: "3", ConversationID: "bob", Content: "see you", Direction: model.Outgoing, ReceivedTimestamp: 30},
	} {
		if _, err := db.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages(ctx, "lunch", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Message.ID != "2" {
		t.Errorf("first result = %s, want newest match", results[0].Message.ID)
	}
	if results[0].Snippet == "" {
		t.Error("expected a snippet")
	}

	results, err = db.SearchMessages(ctx, "lunch", "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ConversationID != "alice" {
		t.Errorf("filtered results = %+v", results)
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := db.SyncState(ctx, "relay.inbound")
	if err != nil || v != "" {
		t.Fatalf("missing key = %q, %v; want empty, nil", v, err)
	}
	if err := db.SetSyncState(ctx, "relay.inbound", "1-0"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState(ctx, "relay.inbound", "2-0"); err != nil {
		t.Fatal(err)
	}
	v, err = db.SyncState(ctx, "relay.inbound")
	if err != nil || v != "2-0" {
		t.Errorf("value = %q, %v; want 2-0", v, err)
	}
}
