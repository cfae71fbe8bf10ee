// Package search is the full-text index over cached messages, built on
// SQLite FTS5. Documents are keyed by an opaque docid supplied by the
// caller and carry a timestamp for newest-first result ordering.
package search

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Engine wraps one index database. Writes accumulate in an open
// transaction until Commit, so bulk indexing does not pay per-document
// fsync cost. Not safe for concurrent use; the indexer goroutine owns it.
type Engine struct {
	db *sql.DB
	tx *sql.Tx
}

// Result is one search hit.
type Result struct {
	DocID     string
	Timestamp int64
}

func NewEngine(path string) (*Engine, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %v", err)
	}

	stmts := []string{
		"CREATE TABLE IF NOT EXISTS docs (id INTEGER PRIMARY KEY, docid TEXT UNIQUE, timestamp INTEGER)",
		"CREATE VIRTUAL TABLE IF NOT EXISTS fts USING fts5(body, subject, sender, recipients, folder)",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, schemaErr(err)
		}
	}

	return &Engine{db: db}, nil
}

// schemaErr decorates the failure SQLite reports when the driver was
// compiled without FTS5, which otherwise surfaces as a cryptic "no such
// module" at startup.
func schemaErr(err error) error {
	if strings.Contains(err.Error(), "fts5") {
		return fmt.Errorf("failed to init search schema: %v (SQLite FTS5 support is required; build with -tags sqlite_fts5)", err)
	}
	return fmt.Errorf("failed to init search schema: %v", err)
}

// Close commits any pending writes and closes the database.
func (e *Engine) Close() error {
	if err := e.Commit(); err != nil {
		_ = e.db.Close()
		return err
	}
	return e.db.Close()
}

func (e *Engine) writer() (*sql.Tx, error) {
	if e.tx == nil {
		tx, err := e.db.Begin()
		if err != nil {
			return nil, fmt.Errorf("failed to begin index transaction: %v", err)
		}
		e.tx = tx
	}
	return e.tx, nil
}

// Commit flushes accumulated writes. A no-op when nothing is pending.
func (e *Engine) Commit() error {
	if e.tx == nil {
		return nil
	}
	tx := e.tx
	e.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit search index: %v", err)
	}
	return nil
}

type queryer interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

// q routes reads through the open transaction so they observe
// uncommitted writes.
func (e *Engine) q() queryer {
	if e.tx != nil {
		return e.tx
	}
	return e.db
}

// Index adds or replaces a document.
func (e *Engine) Index(docid string, timestamp int64, folder, body, subject, sender, recipients string) error {
	tx, err := e.writer()
	if err != nil {
		return err
	}

	if err := e.removeTx(tx, docid); err != nil {
		return err
	}

	res, err := tx.Exec("INSERT INTO docs (docid, timestamp) VALUES (?, ?)", docid, timestamp)
	if err != nil {
		return fmt.Errorf("failed to index %s: %v", docid, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to index %s: %v", docid, err)
	}

	_, err = tx.Exec(
		"INSERT INTO fts (rowid, body, subject, sender, recipients, folder) VALUES (?, ?, ?, ?, ?, ?)",
		id, body, subject, sender, recipients, folder)
	if err != nil {
		return fmt.Errorf("failed to index %s: %v", docid, err)
	}
	return nil
}

// Remove deletes a document; absent docids are ignored.
func (e *Engine) Remove(docid string) error {
	tx, err := e.writer()
	if err != nil {
		return err
	}
	return e.removeTx(tx, docid)
}

func (e *Engine) removeTx(tx *sql.Tx, docid string) error {
	var id int64
	err := tx.QueryRow("SELECT id FROM docs WHERE docid = ?", docid).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to remove %s: %v", docid, err)
	}

	if _, err := tx.Exec("DELETE FROM fts WHERE rowid = ?", id); err != nil {
		return fmt.Errorf("failed to remove %s: %v", docid, err)
	}
	if _, err := tx.Exec("DELETE FROM docs WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove %s: %v", docid, err)
	}
	return nil
}

// Exists reports whether a docid is indexed.
func (e *Engine) Exists(docid string) bool {
	var one int
	err := e.q().QueryRow("SELECT 1 FROM docs WHERE docid = ?", docid).Scan(&one)
	return err == nil
}

// List returns every indexed docid.
func (e *Engine) List() ([]string, error) {
	rows, err := e.q().Query("SELECT docid FROM docs")
	if err != nil {
		return nil, fmt.Errorf("failed to list index: %v", err)
	}
	defer rows.Close()

	var docids []string
	for rows.Next() {
		var docid string
		if err := rows.Scan(&docid); err != nil {
			return nil, fmt.Errorf("failed to list index: %v", err)
		}
		docids = append(docids, docid)
	}
	return docids, nil
}

// Search runs a query and returns up to max results sorted newest first,
// starting at offset. hasMore reports whether more results exist beyond
// the returned page.
func (e *Engine) Search(query string, offset int, max int) ([]Result, bool, error) {
	match := translateQuery(query)
	if match == "" {
		return nil, false, nil
	}

	rows, err := e.q().Query(
		"SELECT d.docid, d.timestamp FROM fts JOIN docs d ON d.id = fts.rowid "+
			"WHERE fts MATCH ? ORDER BY d.timestamp DESC LIMIT ? OFFSET ?",
		match, max+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("failed to search: %v", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DocID, &r.Timestamp); err != nil {
			return nil, false, fmt.Errorf("failed to search: %v", err)
		}
		results = append(results, r)
	}

	hasMore := len(results) > max
	if hasMore {
		results = results[:max]
	}
	return results, hasMore, nil
}

// fieldPrefixes maps user-facing query prefixes to index columns.
var fieldPrefixes = map[string]string{
	"body:":    "body",
	"subject:": "subject",
	"from:":    "sender",
	"to:":      "recipients",
	"folder:":  "folder",
}

// translateQuery converts the user query into FTS5 match syntax. Terms
// are implicitly AND-ed; a known prefix restricts a term to one column; a
// trailing * requests prefix matching. Everything else is quoted so FTS5
// operator keywords in user input stay literal.
func translateQuery(query string) string {
	var parts []string
	for _, token := range strings.Fields(query) {
		column := ""
		for prefix, col := range fieldPrefixes {
			if strings.HasPrefix(strings.ToLower(token), prefix) {
				column = col
				token = token[len(prefix):]
				break
			}
		}

		wildcard := strings.HasSuffix(token, "*")
		token = strings.Trim(token, "*")
		token = strings.ReplaceAll(token, "\"", "")
		if token == "" {
			continue
		}

		term := "\"" + token + "\""
		if wildcard {
			term += "*"
		}
		if column != "" {
			term = column + " : " + term
		}
		parts = append(parts, term)
	}
	return strings.Join(parts, " AND ")
}
