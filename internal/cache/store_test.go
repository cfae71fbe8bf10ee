package cache

import (
	"os"
	"path/filepath"
	"testing"

	"petrel/internal/msg"
)

func newTestStore(t *testing.T, encrypt bool) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), t.TempDir(), "testpass", encrypt)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testHeader(raw string) *msg.Header {
	var h msg.Header
	h.SetData(raw, 100)
	return &h
}

// Test that uids round-trip and that an unsynced folder reports no uids
func TestUidsRoundTrip(t *testing.T) {
	s := newTestStore(t, false)

	if _, ok := s.GetUids("INBOX"); ok {
		t.Errorf("Expected no uids for unsynced folder")
	}

	s.SetUids("INBOX", []uint32{3, 1, 2})
	uids, ok := s.GetUids("INBOX")
	if !ok {
		t.Fatalf("Expected uids after SetUids")
	}
	if len(uids) != 3 || uids[0] != 1 || uids[2] != 3 {
		t.Errorf("Expected sorted uids [1 2 3], got %v", uids)
	}
}

// Test that SetUids cascades deletion of flags, headers and bodies for
// removed uids
func TestSetUidsCascade(t *testing.T) {
	s := newTestStore(t, false)

	s.SetUids("INBOX", []uint32{1, 2, 3})
	s.SetFlags("INBOX", map[uint32]uint32{1: msg.FlagSeen, 2: 0, 3: 0})
	s.SetHeaders("INBOX", map[uint32]*msg.Header{
		1: testHeader("Subject: one\r\n\r\n"),
		2: testHeader("Subject: two\r\n\r\n"),
		3: testHeader("Subject: three\r\n\r\n"),
	})
	s.SetBodys("INBOX", map[uint32]*msg.Body{
		1: {Raw: "body one"},
		2: {Raw: "body two"},
	})

	// Message 1 expunged on the server, message 4 arrived.
	s.SetUids("INBOX", []uint32{2, 3, 4})

	uids, _ := s.GetUids("INBOX")
	if len(uids) != 3 || uids[0] != 2 || uids[2] != 4 {
		t.Errorf("Expected uids [2 3 4], got %v", uids)
	}

	headers := s.GetHeaders("INBOX", []uint32{1, 2, 3, 4}, false)
	if _, exists := headers[1]; exists {
		t.Errorf("Expected header 1 removed by cascade")
	}
	if _, exists := headers[2]; !exists {
		t.Errorf("Expected header 2 kept")
	}
	if _, exists := headers[4]; exists {
		t.Errorf("Expected no header for unfetched uid 4")
	}

	flags := s.GetFlags("INBOX", []uint32{1, 2, 3})
	if _, exists := flags[1]; exists {
		t.Errorf("Expected flags 1 removed by cascade")
	}

	bodys := s.GetBodys("INBOX", []uint32{1, 2}, false)
	if _, exists := bodys[1]; exists {
		t.Errorf("Expected body 1 removed by cascade")
	}
	if _, exists := bodys[2]; !exists {
		t.Errorf("Expected body 2 kept")
	}
}

// Test that prefetch reads report presence only, without header content
func TestPrefetchPresenceOnly(t *testing.T) {
	s := newTestStore(t, false)

	s.SetHeaders("INBOX", map[uint32]*msg.Header{
		7: testHeader("Subject: cached\r\n\r\n"),
	})

	headers := s.GetHeaders("INBOX", []uint32{7, 8}, true)
	if len(headers) != 1 {
		t.Fatalf("Expected 1 present header, got %d", len(headers))
	}
	h, exists := headers[7]
	if !exists {
		t.Fatalf("Expected uid 7 present")
	}
	if !h.Empty() {
		t.Errorf("Expected empty presence marker, got subject '%s'", h.Subject)
	}

	bodys := s.GetBodys("INBOX", []uint32{7}, true)
	if len(bodys) != 0 {
		t.Errorf("Expected no cached bodies, got %d", len(bodys))
	}
}

// Test that a uidvalidity change clears the folder and stores the new token
func TestCheckUidValidity(t *testing.T) {
	s := newTestStore(t, false)

	s.SetUids("INBOX", []uint32{1, 2})
	s.SetHeaders("INBOX", map[uint32]*msg.Header{1: testHeader("Subject: a\r\n\r\n")})

	if s.CheckUidValidity("INBOX", 1000) {
		t.Errorf("Expected false on first validity check")
	}
	if !s.CheckUidValidity("INBOX", 1000) {
		t.Errorf("Expected true for unchanged validity")
	}

	if _, ok := s.GetUids("INBOX"); !ok {
		t.Fatalf("Expected uids still cached before validity change")
	}

	if s.CheckUidValidity("INBOX", 2000) {
		t.Errorf("Expected false for changed validity")
	}
	if _, ok := s.GetUids("INBOX"); ok {
		t.Errorf("Expected folder cleared after validity change")
	}
	if !s.CheckUidValidity("INBOX", 2000) {
		t.Errorf("Expected new validity stored")
	}
}

// Test that SetFolders purges cached data of removed folders
func TestSetFoldersPurge(t *testing.T) {
	s := newTestStore(t, false)

	s.SetFolders([]string{"INBOX", "Archive"})
	s.SetUids("Archive", []uint32{5})
	s.SetFolders([]string{"INBOX"})

	folders, ok := s.GetFolders()
	if !ok || len(folders) != 1 || folders[0] != "INBOX" {
		t.Errorf("Expected folder list [INBOX], got %v", folders)
	}
	if _, ok := s.GetUids("Archive"); ok {
		t.Errorf("Expected Archive cache purged")
	}
}

// Test that in encrypted mode only one folder's database per purpose is
// hot at a time and flushed data survives reopening
func TestEncryptedHotStore(t *testing.T) {
	dir := t.TempDir()
	scratch := t.TempDir()
	s, err := NewStore(dir, scratch, "pass", true)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	s.SetUids("INBOX", []uint32{1})
	if got := s.HotFolder("headers"); got != "INBOX" {
		t.Errorf("Expected hot folder INBOX, got '%s'", got)
	}

	s.SetUids("Archive", []uint32{2})
	if got := s.HotFolder("headers"); got != "Archive" {
		t.Errorf("Expected hot folder Archive after switch, got '%s'", got)
	}

	// Switching away must have flushed an encrypted INBOX file.
	uids, ok := s.GetUids("INBOX")
	if !ok || len(uids) != 1 || uids[0] != 1 {
		t.Errorf("Expected INBOX uids [1] after flush, got %v", uids)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Errorf("Expected scratch dir removed on close")
	}

	// Reopen with a fresh scratch dir; data must come from the encrypted
	// durable files.
	s2, err := NewStore(dir, t.TempDir(), "pass", true)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s2.Close()

	uids, ok = s2.GetUids("Archive")
	if !ok || len(uids) != 1 || uids[0] != 2 {
		t.Errorf("Expected Archive uids [2] after reopen, got %v", uids)
	}
}

// Test that ChangePass makes the cache readable with the new passphrase
// and unreadable with the old one
func TestChangePass(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, t.TempDir(), "old", true)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	s.SetUids("INBOX", []uint32{9})
	if err := s.ChangePass("old", "new"); err != nil {
		t.Fatalf("Failed to change pass: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	s2, err := NewStore(dir, t.TempDir(), "new", true)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s2.Close()
	uids, ok := s2.GetUids("INBOX")
	if !ok || len(uids) != 1 || uids[0] != 9 {
		t.Errorf("Expected uids [9] with new pass, got %v", uids)
	}

	// With the old passphrase the store file is undecryptable and gets
	// reset to empty.
	s3, err := NewStore(dir, t.TempDir(), "old", true)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s3.Close()
	if _, ok := s3.GetUids("INBOX"); ok {
		t.Errorf("Expected no readable uids with old pass")
	}
}

// Test that an undecryptable store file is renamed aside and treated empty
func TestBrokenStoreReset(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, t.TempDir(), "pass", true)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	s.SetUids("INBOX", []uint32{1})
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	// Corrupt the encrypted file.
	path := filepath.Join(dir, "headers", folderFile("INBOX"))
	if err := os.WriteFile(path, []byte("garbage"), 0600); err != nil {
		t.Fatalf("Failed to corrupt file: %v", err)
	}

	s2, err := NewStore(dir, t.TempDir(), "pass", true)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s2.Close()

	if _, ok := s2.GetUids("INBOX"); ok {
		t.Errorf("Expected empty result for broken store")
	}
	if _, err := os.Stat(path + ".broken"); err != nil {
		t.Errorf("Expected broken file renamed aside: %v", err)
	}
}

// Test that SetFlagSeen toggles only the seen bit
func TestSetFlagSeen(t *testing.T) {
	s := newTestStore(t, false)

	s.SetFlags("INBOX", map[uint32]uint32{1: msg.FlagFlagged})
	s.SetFlagSeen("INBOX", []uint32{1}, true)

	flags := s.GetFlags("INBOX", []uint32{1})
	if flags[1] != msg.FlagFlagged|msg.FlagSeen {
		t.Errorf("Expected flagged|seen, got %d", flags[1])
	}

	s.SetFlagSeen("INBOX", []uint32{1}, false)
	flags = s.GetFlags("INBOX", []uint32{1})
	if flags[1] != msg.FlagFlagged {
		t.Errorf("Expected flagged only, got %d", flags[1])
	}
}

// Test that Export writes cached bodies as eml files per folder
func TestExport(t *testing.T) {
	s := newTestStore(t, false)

	s.SetFolders([]string{"INBOX"})
	s.SetUids("INBOX", []uint32{1, 2})
	s.SetBodys("INBOX", map[uint32]*msg.Body{
		1: {Raw: "From: a@b\r\n\r\nhello"},
	})

	dst := t.TempDir()
	n, err := s.Export(dst)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 exported message, got %d", n)
	}

	data, err := os.ReadFile(filepath.Join(dst, "INBOX", "1.eml"))
	if err != nil {
		t.Fatalf("Failed to read exported file: %v", err)
	}
	if string(data) != "From: a@b\r\n\r\nhello" {
		t.Errorf("Unexpected exported content '%s'", data)
	}
}

// Test that DeleteMessages removes a uid from every table
func TestDeleteMessages(t *testing.T) {
	s := newTestStore(t, false)

	s.SetUids("INBOX", []uint32{1, 2})
	s.SetFlags("INBOX", map[uint32]uint32{1: 0, 2: 0})
	s.SetHeaders("INBOX", map[uint32]*msg.Header{1: testHeader("Subject: x\r\n\r\n")})
	s.SetBodys("INBOX", map[uint32]*msg.Body{1: {Raw: "x"}})

	s.DeleteMessages("INBOX", []uint32{1})

	uids, _ := s.GetUids("INBOX")
	if len(uids) != 1 || uids[0] != 2 {
		t.Errorf("Expected uids [2], got %v", uids)
	}
	if len(s.GetHeaders("INBOX", []uint32{1}, false)) != 0 {
		t.Errorf("Expected header 1 deleted")
	}
	if len(s.GetBodys("INBOX", []uint32{1}, false)) != 0 {
		t.Errorf("Expected body 1 deleted")
	}
}
