package index

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"petrel/internal/cache"
	"petrel/internal/msg"
	"petrel/internal/search"
	"petrel/internal/status"
)

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.NewStore(t.TempDir(), t.TempDir(), "", false)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedMessage(s *cache.Store, folder string, uid uint32, subject string, body string) {
	var h msg.Header
	h.SetData("From: alice@example.com\r\nTo: bob@example.com\r\nSubject: "+subject+"\r\n\r\n", int64(uid))
	var b msg.Body
	b.SetData("Subject: " + subject + "\r\n\r\n" + body)
	s.SetHeaders(folder, map[uint32]*msg.Header{uid: &h})
	s.SetBodys(folder, map[uint32]*msg.Body{uid: &b})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// Test that docids round-trip for folder names containing underscores
func TestDocIDRoundTrip(t *testing.T) {
	cases := []struct {
		folder string
		uid    uint32
	}{
		{"INBOX", 1},
		{"my_folder_name", 42},
		{"Archive_2024_Q1", 4294967295},
	}
	for _, c := range cases {
		docid := DocID(c.folder, c.uid)
		if got := FolderFromDocID(docid); got != c.folder {
			t.Errorf("FolderFromDocID(%q): expected %q, got %q", docid, c.folder, got)
		}
		if got := UIDFromDocID(docid); got != c.uid {
			t.Errorf("UIDFromDocID(%q): expected %d, got %d", docid, c.uid, got)
		}
	}
}

// Test that enqueued messages get indexed while idle and are searchable
func TestIndexWhileIdle(t *testing.T) {
	s := newTestStore(t)
	seedMessage(s, "INBOX", 1, "quarterly numbers", "revenue is up")

	i := NewIndexer(s, t.TempDir(), t.TempDir(), "", false)
	if err := i.Start(); err != nil {
		t.Fatalf("Failed to start indexer: %v", err)
	}
	defer i.Stop()

	i.EnqueueAdd("INBOX", []uint32{1})

	// Not idle yet: nothing should be indexed.
	time.Sleep(100 * time.Millisecond)
	results, _, err := i.Search("revenue", 0, 10)
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results before idle, got %v", results)
	}

	i.NotifyIdle(true)
	waitFor(t, "message to be indexed", func() bool {
		results, _, _ := i.Search("revenue", 0, 10)
		return len(results) == 1
	})

	results, _, _ = i.Search("revenue", 0, 10)
	if results[0].Folder != "INBOX" || results[0].UID != 1 {
		t.Errorf("Expected INBOX/1, got %+v", results[0])
	}
	if results[0].Header == nil || results[0].Header.Subject != "quarterly numbers" {
		t.Errorf("Expected resolved header, got %+v", results[0].Header)
	}
}

// Test that a whole-folder entry expands to every cached uid
func TestWholeFolderScan(t *testing.T) {
	s := newTestStore(t)
	s.SetUids("Work", []uint32{1, 2, 3})
	for uid := uint32(1); uid <= 3; uid++ {
		seedMessage(s, "Work", uid, fmt.Sprintf("subject %d", uid), "shared body text")
	}

	i := NewIndexer(s, t.TempDir(), t.TempDir(), "", false)
	if err := i.Start(); err != nil {
		t.Fatalf("Failed to start indexer: %v", err)
	}
	defer i.Stop()

	i.EnqueueAdd("Work", nil)
	i.NotifyIdle(true)

	waitFor(t, "folder scan", func() bool {
		results, _, _ := i.Search("shared", 0, 10)
		return len(results) == 3
	})
}

// Test that deletes are processed in preference to queued adds
func TestDeletePreferred(t *testing.T) {
	s := newTestStore(t)
	seedMessage(s, "INBOX", 1, "to be added", "add me")
	seedMessage(s, "Trash", 9, "to be removed", "remove me")

	// Drive the queues directly, without the worker goroutine, so the
	// processing order is observable.
	i := NewIndexer(s, t.TempDir(), t.TempDir(), "", false)
	engine, err := search.NewEngine(filepath.Join(t.TempDir(), "search.db"))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	i.engine = engine
	i.lastCommit = time.Now()
	defer engine.Close()

	// Index Trash/9 first so there is something to delete.
	if !i.processAdd(addEntry{folder: "Trash", uids: []uint32{9}}) {
		t.Fatalf("Failed to index Trash/9")
	}

	// Queue an add then a delete; the delete must win even though it was
	// enqueued later.
	i.EnqueueAdd("INBOX", []uint32{1})
	i.EnqueueDelete("Trash", nil)

	entryDone, worked := i.processNext()
	if entryDone || worked {
		t.Fatalf("Expected no progress while not idle")
	}

	i.idle = true
	if _, worked := i.processNext(); !worked {
		t.Fatalf("Expected progress when idle")
	}

	results, _, _ := i.Search("remove", 0, 10)
	if len(results) != 0 {
		t.Errorf("Expected delete processed first, Trash/9 still indexed")
	}
	results, _, _ = i.Search("add", 0, 10)
	if len(results) != 0 {
		t.Errorf("Expected add still queued, INBOX/1 already indexed")
	}
}

// Test that a message is indexed only once both header and body are cached
func TestHeaderOnlyNotIndexed(t *testing.T) {
	s := newTestStore(t)
	seedMessage(s, "INBOX", 1, "complete", "full text here")
	var h msg.Header
	h.SetData("Subject: pending\r\n\r\n", 2)
	s.SetHeaders("INBOX", map[uint32]*msg.Header{2: &h})

	i := NewIndexer(s, t.TempDir(), t.TempDir(), "", false)
	engine, err := search.NewEngine(filepath.Join(t.TempDir(), "search.db"))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	i.engine = engine
	i.lastCommit = time.Now()
	defer engine.Close()

	if !i.processAdd(addEntry{folder: "INBOX", uids: []uint32{1, 2}}) {
		t.Fatalf("Failed to process add entry")
	}

	results, _, _ := i.Search("full", 0, 10)
	if len(results) != 1 {
		t.Errorf("Expected the complete message indexed, got %v", results)
	}
	results, _, _ = i.Search("pending", 0, 10)
	if len(results) != 0 {
		t.Errorf("Expected header-only message skipped, got %v", results)
	}

	// Once the body arrives, the next add entry picks the message up.
	var b msg.Body
	b.SetData("Subject: pending\r\n\r\npending text")
	s.SetBodys("INBOX", map[uint32]*msg.Body{2: &b})
	if !i.processAdd(addEntry{folder: "INBOX", uids: []uint32{2}}) {
		t.Fatalf("Failed to process follow-up add entry")
	}
	results, _, _ = i.Search("pending", 0, 10)
	if len(results) != 1 {
		t.Errorf("Expected message indexed after body download, got %v", results)
	}
}

// Test that draining the queues reports indexing progress and clears the
// status once done
func TestIndexerStatus(t *testing.T) {
	s := newTestStore(t)
	seedMessage(s, "INBOX", 1, "status one", "body one")
	seedMessage(s, "INBOX", 2, "status two", "body two")

	i := NewIndexer(s, t.TempDir(), t.TempDir(), "", false)
	engine, err := search.NewEngine(filepath.Join(t.TempDir(), "search.db"))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	i.engine = engine
	i.lastCommit = time.Now()
	defer engine.Close()

	var updates []status.Update
	i.SetStatusHandler(func(u status.Update) { updates = append(updates, u) })

	i.idle = true
	i.EnqueueAdd("INBOX", []uint32{1})
	i.EnqueueAdd("INBOX", []uint32{2})

	for n := 0; n < 2; n++ {
		if _, worked := i.processNext(); !worked {
			t.Fatalf("Expected progress on entry %d", n+1)
		}
	}
	// Drained: one more pass clears the reported status.
	i.processNext()

	if len(updates) != 3 {
		t.Fatalf("Expected three updates, got %v", updates)
	}
	if updates[0].State != status.StateIndexing || updates[0].Progress != 0 {
		t.Errorf("Expected indexing at 0%%, got %v", updates[0])
	}
	if updates[1].State != status.StateIndexing || updates[1].Progress != 50 {
		t.Errorf("Expected indexing at 50%%, got %v", updates[1])
	}
	if updates[2].State != status.StateIdle || updates[2].Progress != -1 {
		t.Errorf("Expected cleared status after drain, got %v", updates[2])
	}
}

// Test that a held folder lock defers the entry instead of blocking
func TestLockDeferral(t *testing.T) {
	s := newTestStore(t)
	seedMessage(s, "INBOX", 1, "locked out", "body")

	i := NewIndexer(s, t.TempDir(), t.TempDir(), "", false)
	if err := i.Start(); err != nil {
		t.Fatalf("Failed to start indexer: %v", err)
	}
	defer i.Stop()
	i.NotifyIdle(false)

	lock := flock.New(s.LockPath("INBOX"))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		t.Fatalf("Failed to take test lock: locked=%v err=%v", locked, err)
	}

	start := time.Now()
	done := i.processAdd(addEntry{folder: "INBOX", uids: []uint32{1}})
	elapsed := time.Since(start)

	if done {
		t.Errorf("Expected entry deferred while lock held")
	}
	if elapsed > time.Second {
		t.Errorf("Expected quick deferral, took %v", elapsed)
	}

	i.mu.Lock()
	requeued := len(i.adds) == 1
	i.mu.Unlock()
	if !requeued {
		t.Errorf("Expected deferred entry back on the queue")
	}

	if err := lock.Unlock(); err != nil {
		t.Fatalf("Failed to release test lock: %v", err)
	}

	// With the lock free the worker finishes the deferred entry.
	i.NotifyIdle(true)
	waitFor(t, "deferred entry", func() bool {
		results, _, _ := i.Search("locked", 0, 10)
		return len(results) == 1
	})
}

// Test that the first idle reconciles the index against the cache
func TestReconcileOnFirstIdle(t *testing.T) {
	s := newTestStore(t)
	s.SetFolders([]string{"INBOX"})
	s.SetUids("INBOX", []uint32{1})
	seedMessage(s, "INBOX", 1, "cached but unindexed", "find me")

	dir := t.TempDir()

	// Pre-populate the index with a document whose folder is gone.
	i := NewIndexer(s, dir, t.TempDir(), "", false)
	if err := i.Start(); err != nil {
		t.Fatalf("Failed to start indexer: %v", err)
	}
	i.mu.Lock()
	if err := i.engine.Index(DocID("Ghost", 5), 1, "Ghost", "stale doc", "", "", ""); err != nil {
		i.mu.Unlock()
		t.Fatalf("Failed to seed index: %v", err)
	}
	i.mu.Unlock()
	i.Stop()

	i2 := NewIndexer(s, dir, t.TempDir(), "", false)
	if err := i2.Start(); err != nil {
		t.Fatalf("Failed to restart indexer: %v", err)
	}
	defer i2.Stop()

	i2.NotifyIdle(true)

	waitFor(t, "reconcile add", func() bool {
		results, _, _ := i2.Search("find", 0, 10)
		return len(results) == 1
	})
	waitFor(t, "reconcile delete", func() bool {
		results, _, _ := i2.Search("stale", 0, 10)
		return len(results) == 0
	})
}

// Test that indexing emits normalized addresses on the output channel
func TestAddressOutput(t *testing.T) {
	s := newTestStore(t)
	seedMessage(s, "INBOX", 1, "hi", "body")

	i := NewIndexer(s, t.TempDir(), t.TempDir(), "", false)
	if err := i.Start(); err != nil {
		t.Fatalf("Failed to start indexer: %v", err)
	}
	defer i.Stop()

	i.EnqueueAdd("INBOX", []uint32{1})
	i.NotifyIdle(true)

	seen := make(map[string]bool)
	deadline := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case addr := <-i.Addresses():
			seen[addr] = true
		case <-deadline:
			t.Fatalf("Timed out waiting for addresses, got %v", seen)
		}
	}
	if !seen["alice@example.com"] || !seen["bob@example.com"] {
		t.Errorf("Expected alice and bob, got %v", seen)
	}
}
