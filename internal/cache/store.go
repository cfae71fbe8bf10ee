// Package cache is the on-disk message cache: one SQLite database per
// (folder, purpose) pair, plus two small global blobs for the folder list
// and per-folder UID-validity tokens. The split keeps databases small and
// lets thousands of folders coexist without opening thousands of files.
//
// When encryption is enabled the durable files in the cache directory are
// encrypted; plaintext working copies live in a scratch directory and at
// most one writable database per purpose is open at a time. Switching the
// hot folder flushes the previous one (close, re-encrypt) first.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vmihailenco/msgpack/v5"

	"petrel/internal/crypto"
)

const (
	purposeHeaders = "headers"
	purposeBodies  = "bodies"
)

var purposes = []string{purposeHeaders, purposeBodies}

type hotDB struct {
	folder string
	db     *sql.DB
	dirty  bool
}

// Store is safe for concurrent use; a single mutex serializes access so
// hot-database switching cannot race.
type Store struct {
	mu      sync.Mutex
	dir     string
	scratch string
	pass    string
	encrypt bool
	hot     map[string]*hotDB
}

// NewStore opens (or creates) the cache rooted at dir. When encrypt is
// set, scratchDir holds the plaintext working copies; it should be on
// fast, non-durable storage.
func NewStore(dir string, scratchDir string, pass string, encrypt bool) (*Store, error) {
	s := &Store{
		dir:     dir,
		scratch: scratchDir,
		pass:    pass,
		encrypt: encrypt,
		hot:     make(map[string]*hotDB),
	}

	for _, purpose := range purposes {
		if err := os.MkdirAll(filepath.Join(dir, purpose), 0700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %v", err)
		}
		if encrypt {
			if err := os.MkdirAll(filepath.Join(scratchDir, purpose), 0700); err != nil {
				return nil, fmt.Errorf("failed to create scratch directory: %v", err)
			}
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "locks"), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %v", err)
	}

	return s, nil
}

// Close flushes all hot databases and removes plaintext working copies.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, purpose := range purposes {
		if err := s.flushHot(purpose); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.encrypt {
		if err := os.RemoveAll(s.scratch); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// LockPath returns the advisory lock file guarding a folder's cache
// databases against concurrent writers in other processes.
func (s *Store) LockPath(folder string) string {
	return filepath.Join(s.dir, "locks", folderFile(folder)+".lock")
}

func folderFile(folder string) string {
	sum := sha256.Sum256([]byte(folder))
	return hex.EncodeToString(sum[:8]) + ".db"
}

func (s *Store) durablePath(purpose string, folder string) string {
	return filepath.Join(s.dir, purpose, folderFile(folder))
}

func (s *Store) workPath(purpose string, folder string) string {
	if !s.encrypt {
		return s.durablePath(purpose, folder)
	}
	return filepath.Join(s.scratch, purpose, folderFile(folder))
}

// getDB returns the open database for (purpose, folder), flushing the
// previously hot folder for that purpose when switching. Caller must hold
// s.mu.
func (s *Store) getDB(purpose string, folder string) (*sql.DB, error) {
	if hot := s.hot[purpose]; hot != nil {
		if hot.folder == folder {
			return hot.db, nil
		}
		if err := s.flushHot(purpose); err != nil {
			return nil, err
		}
	}

	work := s.workPath(purpose, folder)
	if s.encrypt {
		if _, err := os.Stat(work); os.IsNotExist(err) {
			durable := s.durablePath(purpose, folder)
			if _, err := os.Stat(durable); err == nil {
				if err := crypto.DecryptFile(durable, work, s.pass); err != nil {
					// Unreadable store: move it aside and start over
					// with an empty database.
					log.Printf("cache: failed to decrypt %s, resetting: %v", durable, err)
					_ = os.Rename(durable, durable+".broken")
					_ = os.Remove(work)
				}
			}
		}
	}

	db, err := sql.Open("sqlite3", work)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %v", err)
	}

	if err := initSchema(db, purpose); err != nil {
		_ = db.Close()
		// Same reset path for a corrupt plaintext database.
		log.Printf("cache: failed to init %s, resetting: %v", work, err)
		_ = os.Rename(work, work+".broken")
		db, err = sql.Open("sqlite3", work)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache database: %v", err)
		}
		if err := initSchema(db, purpose); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to init cache schema: %v", err)
		}
	}

	s.hot[purpose] = &hotDB{folder: folder, db: db}
	return db, nil
}

func initSchema(db *sql.DB, purpose string) error {
	var stmts []string
	switch purpose {
	case purposeHeaders:
		stmts = []string{
			"CREATE TABLE IF NOT EXISTS uids (uid INTEGER PRIMARY KEY)",
			"CREATE TABLE IF NOT EXISTS flags (uid INTEGER PRIMARY KEY, flags INTEGER)",
			"CREATE TABLE IF NOT EXISTS headers (uid INTEGER PRIMARY KEY, data BLOB)",
		}
	case purposeBodies:
		stmts = []string{
			"CREATE TABLE IF NOT EXISTS bodies (uid INTEGER PRIMARY KEY, data BLOB)",
		}
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// flushHot closes the hot database for a purpose and, when encrypted and
// dirty, re-encrypts the working copy into the durable directory. Caller
// must hold s.mu.
func (s *Store) flushHot(purpose string) error {
	hot := s.hot[purpose]
	if hot == nil {
		return nil
	}
	delete(s.hot, purpose)

	if err := hot.db.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %v", err)
	}

	if s.encrypt && hot.dirty {
		work := s.workPath(purpose, hot.folder)
		durable := s.durablePath(purpose, hot.folder)
		if err := crypto.EncryptFile(work, durable, s.pass); err != nil {
			return fmt.Errorf("failed to encrypt cache database: %v", err)
		}
	}

	return nil
}

func (s *Store) markDirty(purpose string) {
	if hot := s.hot[purpose]; hot != nil {
		hot.dirty = true
	}
}

// HotFolder reports which folder currently owns the writable database for
// a purpose ("" when none). Used in tests and for diagnostics.
func (s *Store) HotFolder(purpose string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hot := s.hot[purpose]; hot != nil {
		return hot.folder
	}
	return ""
}

// ClearFolder removes all cached data for a folder, in both purposes.
func (s *Store) ClearFolder(folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearFolderLocked(folder)
}

func (s *Store) clearFolderLocked(folder string) {
	for _, purpose := range purposes {
		if hot := s.hot[purpose]; hot != nil && hot.folder == folder {
			delete(s.hot, purpose)
			_ = hot.db.Close()
		}
		_ = os.Remove(s.durablePath(purpose, folder))
		if s.encrypt {
			_ = os.Remove(s.workPath(purpose, folder))
		}
	}
}

// blob persistence for the global folder list and validity map

func (s *Store) blobPath(name string) string {
	return filepath.Join(s.dir, name+".dat")
}

func (s *Store) loadBlob(name string, out interface{}) bool {
	data, err := os.ReadFile(s.blobPath(name))
	if err != nil {
		return false
	}
	if s.encrypt {
		data, err = crypto.Decrypt(data, s.pass)
		if err != nil {
			log.Printf("cache: failed to decrypt %s blob, resetting: %v", name, err)
			_ = os.Rename(s.blobPath(name), s.blobPath(name)+".broken")
			return false
		}
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		log.Printf("cache: failed to decode %s blob: %v", name, err)
		return false
	}
	return true
}

func (s *Store) saveBlob(name string, v interface{}) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		log.Printf("cache: failed to encode %s blob: %v", name, err)
		return
	}
	if s.encrypt {
		data, err = crypto.Encrypt(data, s.pass)
		if err != nil {
			log.Printf("cache: failed to encrypt %s blob: %v", name, err)
			return
		}
	}
	tmp := s.blobPath(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Printf("cache: failed to write %s blob: %v", name, err)
		return
	}
	if err := os.Rename(tmp, s.blobPath(name)); err != nil {
		log.Printf("cache: failed to rename %s blob: %v", name, err)
	}
}

// GetFolders returns the cached folder list. The second return is false
// when the list was never stored.
func (s *Store) GetFolders() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var folders []string
	if !s.loadBlob("folders", &folders) {
		return nil, false
	}
	return folders, true
}

// SetFolders stores the folder list and purges cached data for folders
// that no longer exist on the server.
func (s *Store) SetFolders(folders []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var old []string
	s.loadBlob("folders", &old)

	current := make(map[string]bool, len(folders))
	for _, f := range folders {
		current[f] = true
	}
	removedAny := false
	for _, f := range old {
		if !current[f] {
			s.clearFolderLocked(f)
			removedAny = true
		}
	}

	if removedAny {
		var validity map[string]uint32
		if s.loadBlob("validity", &validity) {
			for f := range validity {
				if !current[f] {
					delete(validity, f)
				}
			}
			s.saveBlob("validity", validity)
		}
	}

	s.saveBlob("folders", folders)
}

// CheckUidValidity compares the server's UIDVALIDITY token against the
// stored one. On mismatch the folder's cache is cleared, the new token is
// stored and false is returned so the caller knows cached UIDs are void.
func (s *Store) CheckUidValidity(folder string, validity uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored map[string]uint32
	if !s.loadBlob("validity", &stored) || stored == nil {
		stored = make(map[string]uint32)
	}

	prev, ok := stored[folder]
	if ok && prev == validity {
		return true
	}

	if ok {
		log.Printf("cache: uidvalidity changed for %s (%d -> %d), clearing", folder, prev, validity)
		s.clearFolderLocked(folder)
	}

	stored[folder] = validity
	s.saveBlob("validity", stored)
	return false
}

// ChangePass re-encrypts every durable file under a new passphrase. Each
// file is rewritten atomically, so an interrupted run leaves every file
// readable with one of the two passphrases.
func (s *Store) ChangePass(oldPass string, newPass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.encrypt {
		return fmt.Errorf("cache is not encrypted")
	}

	for _, purpose := range purposes {
		if err := s.flushHot(purpose); err != nil {
			return err
		}
	}

	reencrypt := func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %v", path, err)
		}
		plain, err := crypto.Decrypt(data, oldPass)
		if err != nil {
			return fmt.Errorf("failed to decrypt %s: %v", path, err)
		}
		enc, err := crypto.Encrypt(plain, newPass)
		if err != nil {
			return err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, enc, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %v", tmp, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to rename %s: %v", tmp, err)
		}
		return nil
	}

	for _, purpose := range purposes {
		dir := filepath.Join(s.dir, purpose)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read dir %s: %v", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".db" {
				continue
			}
			if err := reencrypt(filepath.Join(dir, entry.Name())); err != nil {
				return err
			}
		}
	}

	for _, name := range []string{"folders", "validity"} {
		if _, err := os.Stat(s.blobPath(name)); err == nil {
			if err := reencrypt(s.blobPath(name)); err != nil {
				return err
			}
		}
	}

	s.pass = newPass
	return nil
}
