package addressbook

import (
	"path/filepath"
	"testing"
)

func newTestBook(t *testing.T) *Book {
	t.Helper()
	b, err := NewBook(filepath.Join(t.TempDir(), "addresses.db"))
	if err != nil {
		t.Fatalf("Failed to create address book: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// Test that added addresses are found by prefix lookup
func TestAddLookup(t *testing.T) {
	b := newTestBook(t)

	b.Add("alice@example.com")
	b.Add("albert@example.com")
	b.Add("bob@example.com")

	addrs := b.Lookup("al", 10)
	if len(addrs) != 2 {
		t.Fatalf("Expected 2 matches for 'al', got %v", addrs)
	}

	addrs = b.Lookup("bob", 10)
	if len(addrs) != 1 || addrs[0] != "bob@example.com" {
		t.Errorf("Expected bob@example.com, got %v", addrs)
	}
}

// Test that repeated observations rank an address higher
func TestUsageRanking(t *testing.T) {
	b := newTestBook(t)

	b.Add("rare@example.com")
	for i := 0; i < 3; i++ {
		b.Add("frequent@example.com")
	}

	addrs := b.Lookup("", 10)
	if len(addrs) != 2 || addrs[0] != "frequent@example.com" {
		t.Errorf("Expected frequent first, got %v", addrs)
	}
}

// Test that the lookup limit is honored
func TestLookupLimit(t *testing.T) {
	b := newTestBook(t)

	b.Add("a@example.com")
	b.Add("b@example.com")
	b.Add("c@example.com")

	addrs := b.Lookup("", 2)
	if len(addrs) != 2 {
		t.Errorf("Expected 2 results, got %v", addrs)
	}
}

// Test that the consumer drains a channel and Close waits for it
func TestConsume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "addresses.db")
	b, err := NewBook(path)
	if err != nil {
		t.Fatalf("Failed to create address book: %v", err)
	}

	ch := make(chan string)
	b.Consume(ch)

	ch <- "streamed@example.com"
	ch <- "streamed@example.com"
	close(ch)

	if err := b.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	b2, err := NewBook(path)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer b2.Close()

	addrs := b2.Lookup("streamed", 10)
	if len(addrs) != 1 {
		t.Errorf("Expected streamed address persisted, got %v", addrs)
	}
}
