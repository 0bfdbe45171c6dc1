package store

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"shadownexus/internal/wire"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(st.Close)
	return st, dir
}

func TestAppendGlobalEvictsOverCap(t *testing.T) {
	st, _ := newTestStore(t)
	for i := 0; i < globalCap+10; i++ {
		st.AppendGlobal(wire.Frame{ID: "m", Content: "x"})
	}
	if got := len(st.GetGlobal(-1)); got != globalCap {
		t.Fatalf("expected %d messages retained, got %d", globalCap, got)
	}
}

func TestAppendGlobalPersistsToDisk(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	st.AppendGlobal(wire.Frame{ID: "1", Content: "hello"})
	st.Close()

	b, err := os.ReadFile(filepath.Join(dir, collGlobal))
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	var f wire.Frame
	if err := wire.Unmarshal(bytesTrimNL(b), &f); err != nil {
		t.Fatalf("unmarshal persisted line: %v", err)
	}
	if f.Content != "hello" {
		t.Fatalf("unexpected persisted content: %+v", f)
	}
}

func bytesTrimNL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// TestGlobalLogSurvivesCapOnDisk is the regression case for the §3 invariant
// that the on-disk global log is unbounded even though the in-memory view
// retains only the most recent globalCap records.
func TestGlobalLogSurvivesCapOnDisk(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	total := globalCap + 50
	for i := 0; i < total; i++ {
		st.AppendGlobal(wire.Frame{ID: fmt.Sprintf("m%d", i), Content: "x"})
	}
	st.Close()

	b, err := os.ReadFile(filepath.Join(dir, collGlobal))
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	lines := 0
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	if lines != total {
		t.Fatalf("expected all %d records retained on disk, got %d lines", total, lines)
	}

	st2, err := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	st2.LoadAll()
	if got := len(st2.GetGlobal(-1)); got != globalCap {
		t.Fatalf("expected the in-memory view to stay capped at %d after reload, got %d", globalCap, got)
	}
}

// TestDeleteGlobalMessageSurvivesRestart ensures a soft-delete is durable:
// the log records a newer entry for the same id, and reload picks that one.
func TestDeleteGlobalMessageSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	st.AppendGlobal(wire.Frame{ID: "1", Content: "original"})
	if !st.DeleteGlobalMessage("1") {
		t.Fatal("expected delete to succeed")
	}
	st.Close()

	st2, err := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	st2.LoadAll()

	got := st2.GetGlobal(-1)
	if len(got) != 1 || !got[0].Deleted || got[0].Content == "original" {
		t.Fatalf("expected the deletion to survive reload, got %+v", got)
	}
}

func TestPrivateThreadCanonicalizesPairOrder(t *testing.T) {
	st, _ := newTestStore(t)
	st.AppendPrivate("bob", "alice", wire.Frame{ID: "1", Content: "hi"})

	got := st.GetPrivate("alice", "bob", -1)
	if len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("expected message visible from either pair order, got %+v", got)
	}
}

func TestPrivatePeersOf(t *testing.T) {
	st, _ := newTestStore(t)
	st.AppendPrivate("alice", "bob", wire.Frame{ID: "1"})
	st.AppendPrivate("carol", "alice", wire.Frame{ID: "2"})

	peers := st.PrivatePeersOf("alice")
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %v", peers)
	}
}

func TestLoadAllReadsLegacyPrivateKeyFormat(t *testing.T) {
	dir := t.TempDir()
	legacy := map[string][]wire.Frame{
		"alice_bob": {{ID: "1", Content: "legacy"}},
	}
	b, err := json.Marshal(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, collPrivate), b, 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	st.LoadAll()

	got := st.GetPrivate("alice", "bob", -1)
	if len(got) != 1 || got[0].Content != "legacy" {
		t.Fatalf("expected legacy thread to load, got %+v", got)
	}
}

func TestLoadAllPrefersCanonicalArrayFormat(t *testing.T) {
	dir := t.TempDir()
	threads := []PrivateThread{
		{Pair: [2]string{"alice", "bob"}, Messages: []wire.Frame{{ID: "1", Content: "canonical"}}},
	}
	b, err := json.Marshal(threads)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, collPrivate), b, 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	st.LoadAll()

	got := st.GetPrivate("alice", "bob", -1)
	if len(got) != 1 || got[0].Content != "canonical" {
		t.Fatalf("expected canonical thread to load, got %+v", got)
	}
}

func TestDeleteGlobalMessageSoftDeletesAndIsIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	st.AppendGlobal(wire.Frame{ID: "1", Content: "original"})

	if !st.DeleteGlobalMessage("1") {
		t.Fatal("expected first delete to succeed")
	}
	msgs := st.GetGlobal(-1)
	if !msgs[0].Deleted || msgs[0].Content == "original" {
		t.Fatalf("expected message to be soft-deleted, got %+v", msgs[0])
	}

	if st.DeleteGlobalMessage("1") {
		t.Fatal("expected second delete on an already-deleted message to be a no-op")
	}
}

func TestDeleteGlobalMessageUnknownID(t *testing.T) {
	st, _ := newTestStore(t)
	st.AppendGlobal(wire.Frame{ID: "1"})
	if st.DeleteGlobalMessage("does-not-exist") {
		t.Fatal("expected delete of unknown id to fail")
	}
}

func TestGroupDefLifecycle(t *testing.T) {
	st, _ := newTestStore(t)
	st.PutGroup(GroupDef{ID: "group_1", Name: "Ops", Admin: "alice", Members: []string{"alice", "bob"}})

	g, ok := st.GetGroupDef("group_1")
	if !ok || g.Name != "Ops" {
		t.Fatalf("expected group to be stored, got %+v ok=%v", g, ok)
	}

	all := st.AllGroupDefs("bob")
	if len(all) != 1 {
		t.Fatalf("expected bob to see 1 group, got %d", len(all))
	}
	if len(st.AllGroupDefs("stranger")) != 0 {
		t.Fatal("expected stranger to see 0 groups")
	}

	st.DeleteGroup("group_1")
	if _, ok := st.GetGroupDef("group_1"); ok {
		t.Fatal("expected group to be gone after delete")
	}
}

func TestFileRecordLifecycle(t *testing.T) {
	st, _ := newTestStore(t)
	st.PutFile(FileRecord{ID: "1_x.txt", Name: "x.txt", Size: 10, Sender: "alice"})

	r, ok := st.GetFile("1_x.txt")
	if !ok || r.Name != "x.txt" {
		t.Fatalf("expected file record, got %+v ok=%v", r, ok)
	}
	if len(st.AllFiles()) != 1 {
		t.Fatal("expected 1 file in index")
	}
}

func TestDeletePrivateConversationRemovesThread(t *testing.T) {
	st, _ := newTestStore(t)
	st.AppendPrivate("alice", "bob", wire.Frame{ID: "1"})

	if !st.DeletePrivateConversation("bob", "alice") {
		t.Fatal("expected delete to report success")
	}
	if len(st.GetPrivate("alice", "bob", -1)) != 0 {
		t.Fatal("expected thread to be gone")
	}
	if st.DeletePrivateConversation("alice", "bob") {
		t.Fatal("expected second delete to report no thread found")
	}
}
