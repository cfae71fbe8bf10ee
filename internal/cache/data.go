package cache

import (
	"database/sql"
	"log"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"petrel/internal/msg"
)

// Read operations treat storage errors as cache misses: they log and
// return empty results, and the caller falls back to the server.

// GetUids returns the cached UID set for a folder. The second return is
// false when the folder was never synced.
func (s *Store) GetUids(folder string) ([]uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.getDB(purposeHeaders, folder)
	if err != nil {
		log.Printf("cache: get uids failed: %v", err)
		return nil, false
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM uids").Scan(&count); err != nil {
		log.Printf("cache: get uids failed: %v", err)
		return nil, false
	}
	if count == 0 {
		// An empty table is indistinguishable from never-synced; treat
		// as unsynced so the caller asks the server.
		return nil, false
	}

	rows, err := db.Query("SELECT uid FROM uids ORDER BY uid")
	if err != nil {
		log.Printf("cache: get uids failed: %v", err)
		return nil, false
	}
	defer rows.Close()

	uids := make([]uint32, 0, count)
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			log.Printf("cache: get uids failed: %v", err)
			return nil, false
		}
		uids = append(uids, uid)
	}
	return uids, true
}

// SetUids replaces the folder's UID set. Flags, headers and bodies of
// UIDs no longer present are deleted in the same pass, so dependent
// tables never reference a removed UID.
func (s *Store) SetUids(folder string, uids []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.getDB(purposeHeaders, folder)
	if err != nil {
		log.Printf("cache: set uids failed: %v", err)
		return
	}

	keep := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		keep[uid] = true
	}

	var removed []uint32
	rows, err := db.Query("SELECT uid FROM uids")
	if err == nil {
		for rows.Next() {
			var uid uint32
			if rows.Scan(&uid) == nil && !keep[uid] {
				removed = append(removed, uid)
			}
		}
		rows.Close()
	}

	tx, err := db.Begin()
	if err != nil {
		log.Printf("cache: set uids failed: %v", err)
		return
	}
	if _, err := tx.Exec("DELETE FROM uids"); err != nil {
		log.Printf("cache: set uids failed: %v", err)
		_ = tx.Rollback()
		return
	}
	for _, uid := range uids {
		if _, err := tx.Exec("INSERT INTO uids (uid) VALUES (?)", uid); err != nil {
			log.Printf("cache: set uids failed: %v", err)
			_ = tx.Rollback()
			return
		}
	}
	for _, uid := range removed {
		if _, err := tx.Exec("DELETE FROM flags WHERE uid = ?", uid); err != nil {
			log.Printf("cache: set uids failed: %v", err)
			_ = tx.Rollback()
			return
		}
		if _, err := tx.Exec("DELETE FROM headers WHERE uid = ?", uid); err != nil {
			log.Printf("cache: set uids failed: %v", err)
			_ = tx.Rollback()
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("cache: set uids failed: %v", err)
		return
	}
	s.markDirty(purposeHeaders)

	if len(removed) > 0 {
		s.deleteBodiesLocked(folder, removed)
	}
}

// GetHeaders returns cached headers for the requested UIDs; absent UIDs
// are simply missing from the result. In prefetch mode only presence is
// checked and the returned entries are empty markers, skipping the
// deserialize cost.
func (s *Store) GetHeaders(folder string, uids []uint32, prefetch bool) map[uint32]*msg.Header {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[uint32]*msg.Header)
	db, err := s.getDB(purposeHeaders, folder)
	if err != nil {
		log.Printf("cache: get headers failed: %v", err)
		return result
	}

	for _, uid := range uids {
		if prefetch {
			var one int
			err := db.QueryRow("SELECT 1 FROM headers WHERE uid = ?", uid).Scan(&one)
			if err == nil {
				result[uid] = &msg.Header{}
			} else if err != sql.ErrNoRows {
				log.Printf("cache: get headers failed: %v", err)
			}
			continue
		}

		var data []byte
		err := db.QueryRow("SELECT data FROM headers WHERE uid = ?", uid).Scan(&data)
		if err == sql.ErrNoRows {
			continue
		} else if err != nil {
			log.Printf("cache: get headers failed: %v", err)
			continue
		}

		var header msg.Header
		if err := msgpack.Unmarshal(data, &header); err != nil {
			log.Printf("cache: failed to decode header %s/%d: %v", folder, uid, err)
			continue
		}
		if header.ParseIfNeeded() {
			s.setHeadersLocked(db, map[uint32]*msg.Header{uid: &header})
		}
		result[uid] = &header
	}
	return result
}

// SetHeaders stores fetched headers.
func (s *Store) SetHeaders(folder string, headers map[uint32]*msg.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.getDB(purposeHeaders, folder)
	if err != nil {
		log.Printf("cache: set headers failed: %v", err)
		return
	}
	s.setHeadersLocked(db, headers)
}

func (s *Store) setHeadersLocked(db *sql.DB, headers map[uint32]*msg.Header) {
	for uid, header := range headers {
		data, err := msgpack.Marshal(header)
		if err != nil {
			log.Printf("cache: failed to encode header %d: %v", uid, err)
			continue
		}
		if _, err := db.Exec("INSERT OR REPLACE INTO headers (uid, data) VALUES (?, ?)", uid, data); err != nil {
			log.Printf("cache: set headers failed: %v", err)
			continue
		}
		s.markDirty(purposeHeaders)
	}
}

// GetFlags returns cached flags for the requested UIDs.
func (s *Store) GetFlags(folder string, uids []uint32) map[uint32]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[uint32]uint32)
	db, err := s.getDB(purposeHeaders, folder)
	if err != nil {
		log.Printf("cache: get flags failed: %v", err)
		return result
	}

	for _, uid := range uids {
		var flags uint32
		err := db.QueryRow("SELECT flags FROM flags WHERE uid = ?", uid).Scan(&flags)
		if err == sql.ErrNoRows {
			continue
		} else if err != nil {
			log.Printf("cache: get flags failed: %v", err)
			continue
		}
		result[uid] = flags
	}
	return result
}

// SetFlags stores fetched flags.
func (s *Store) SetFlags(folder string, flags map[uint32]uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.getDB(purposeHeaders, folder)
	if err != nil {
		log.Printf("cache: set flags failed: %v", err)
		return
	}
	for uid, value := range flags {
		if _, err := db.Exec("INSERT OR REPLACE INTO flags (uid, flags) VALUES (?, ?)", uid, value); err != nil {
			log.Printf("cache: set flags failed: %v", err)
			continue
		}
		s.markDirty(purposeHeaders)
	}
}

// SetFlagSeen updates the seen bit on already-cached flags.
func (s *Store) SetFlagSeen(folder string, uids []uint32, seen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.getDB(purposeHeaders, folder)
	if err != nil {
		log.Printf("cache: set flag seen failed: %v", err)
		return
	}

	stmt := "UPDATE flags SET flags = flags | ? WHERE uid = ?"
	if !seen {
		stmt = "UPDATE flags SET flags = flags & ~? WHERE uid = ?"
	}
	for _, uid := range uids {
		if _, err := db.Exec(stmt, msg.FlagSeen, uid); err != nil {
			log.Printf("cache: set flag seen failed: %v", err)
			continue
		}
		s.markDirty(purposeHeaders)
	}
}

// GetBodys returns cached bodies for the requested UIDs; prefetch mode
// checks presence only.
func (s *Store) GetBodys(folder string, uids []uint32, prefetch bool) map[uint32]*msg.Body {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[uint32]*msg.Body)
	db, err := s.getDB(purposeBodies, folder)
	if err != nil {
		log.Printf("cache: get bodies failed: %v", err)
		return result
	}

	for _, uid := range uids {
		if prefetch {
			var one int
			err := db.QueryRow("SELECT 1 FROM bodies WHERE uid = ?", uid).Scan(&one)
			if err == nil {
				result[uid] = &msg.Body{}
			} else if err != sql.ErrNoRows {
				log.Printf("cache: get bodies failed: %v", err)
			}
			continue
		}

		var data []byte
		err := db.QueryRow("SELECT data FROM bodies WHERE uid = ?", uid).Scan(&data)
		if err == sql.ErrNoRows {
			continue
		} else if err != nil {
			log.Printf("cache: get bodies failed: %v", err)
			continue
		}

		var body msg.Body
		if err := msgpack.Unmarshal(data, &body); err != nil {
			log.Printf("cache: failed to decode body %s/%d: %v", folder, uid, err)
			continue
		}
		if body.ParseIfNeeded() {
			s.setBodysLocked(db, map[uint32]*msg.Body{uid: &body})
		}
		result[uid] = &body
	}
	return result
}

// SetBodys stores fetched bodies.
func (s *Store) SetBodys(folder string, bodys map[uint32]*msg.Body) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.getDB(purposeBodies, folder)
	if err != nil {
		log.Printf("cache: set bodies failed: %v", err)
		return
	}
	s.setBodysLocked(db, bodys)
}

func (s *Store) setBodysLocked(db *sql.DB, bodys map[uint32]*msg.Body) {
	for uid, body := range bodys {
		data, err := msgpack.Marshal(body)
		if err != nil {
			log.Printf("cache: failed to encode body %d: %v", uid, err)
			continue
		}
		if _, err := db.Exec("INSERT OR REPLACE INTO bodies (uid, data) VALUES (?, ?)", uid, data); err != nil {
			log.Printf("cache: set bodies failed: %v", err)
			continue
		}
		s.markDirty(purposeBodies)
	}
}

// DeleteMessages removes the given UIDs from all tables of a folder.
func (s *Store) DeleteMessages(folder string, uids []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.getDB(purposeHeaders, folder)
	if err != nil {
		log.Printf("cache: delete messages failed: %v", err)
		return
	}
	for _, table := range []string{"uids", "flags", "headers"} {
		for _, uid := range uids {
			if _, err := db.Exec("DELETE FROM "+table+" WHERE uid = ?", uid); err != nil {
				log.Printf("cache: delete messages failed: %v", err)
			}
		}
	}
	s.markDirty(purposeHeaders)

	s.deleteBodiesLocked(folder, uids)
}

func (s *Store) deleteBodiesLocked(folder string, uids []uint32) {
	db, err := s.getDB(purposeBodies, folder)
	if err != nil {
		log.Printf("cache: delete bodies failed: %v", err)
		return
	}
	for _, uid := range uids {
		if _, err := db.Exec("DELETE FROM bodies WHERE uid = ?", uid); err != nil {
			log.Printf("cache: delete bodies failed: %v", err)
		}
	}
	s.markDirty(purposeBodies)
}

func sanitizeFolderName(folder string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, folder)
}
