// Package addressbook records mail addresses observed by the indexer and
// serves prefix completion for compose. It consumes the indexer's address
// stream on its own goroutine, so indexing never waits on this database.
package addressbook

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Book struct {
	mu        sync.Mutex
	db        *sql.DB
	consuming bool
	done      chan struct{}
}

func NewBook(path string) (*Book, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open address book: %v", err)
	}

	_, err = db.Exec("CREATE TABLE IF NOT EXISTS addresses " +
		"(address TEXT PRIMARY KEY, usages INTEGER, lastseen INTEGER)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init address book: %v", err)
	}

	return &Book{db: db, done: make(chan struct{})}, nil
}

// Consume records addresses from the stream until it is closed.
func (b *Book) Consume(addrs <-chan string) {
	b.mu.Lock()
	b.consuming = true
	b.mu.Unlock()
	go func() {
		defer close(b.done)
		for addr := range addrs {
			b.Add(addr)
		}
	}()
}

// Add records one observation of an address.
func (b *Book) Add(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.Exec(
		"INSERT INTO addresses (address, usages, lastseen) VALUES (?, 1, ?) "+
			"ON CONFLICT(address) DO UPDATE SET usages = usages + 1, lastseen = excluded.lastseen",
		addr, time.Now().Unix())
	if err != nil {
		log.Printf("addressbook: failed to add %s: %v", addr, err)
	}
}

// Lookup returns up to max addresses matching the prefix, most used
// first. An empty prefix lists the most used addresses overall.
func (b *Book) Lookup(prefix string, max int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.Query(
		"SELECT address FROM addresses WHERE address LIKE ? || '%' "+
			"ORDER BY usages DESC, lastseen DESC LIMIT ?", prefix, max)
	if err != nil {
		log.Printf("addressbook: lookup failed: %v", err)
		return nil
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			log.Printf("addressbook: lookup failed: %v", err)
			return addrs
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// Close waits for the consumer to finish and closes the database. Safe
// only after the address stream has been closed.
func (b *Book) Close() error {
	b.mu.Lock()
	consuming := b.consuming
	b.mu.Unlock()
	if consuming {
		<-b.done
	}
	return b.db.Close()
}
