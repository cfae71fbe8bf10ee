// Package index runs the background full-text indexer. A dedicated
// goroutine drains add and delete queues while the application is
// otherwise idle, reading message content from the cache and writing to
// the search engine. Folder cache access is guarded by a per-folder
// advisory file lock shared with other processes; the indexer never
// blocks on it, it defers the work instead.
package index

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"petrel/internal/cache"
	"petrel/internal/crypto"
	"petrel/internal/msg"
	"petrel/internal/search"
	"petrel/internal/status"
)

const (
	// commitInterval caps how long indexed documents can sit uncommitted
	// while the indexer works through a long queue entry.
	commitInterval = 5 * time.Second

	// syncChunkSize bounds how many messages one expanded queue entry
	// covers, keeping entries short so deletes can interleave.
	syncChunkSize = 10

	// lockRetryDelay is slept after a deferred entry so a lock holder in
	// another process gets a chance to finish.
	lockRetryDelay = 100 * time.Millisecond

	addressBuffer = 256
)

// UIDAll as the sole member of an add entry's UID set requests a scan of
// the folder's whole cached UID list.
const UIDAll uint32 = 0

type addEntry struct {
	folder string
	uids   []uint32
}

type deleteEntry struct {
	folder string
	keep   map[uint32]bool // empty means drop the whole folder
}

type Indexer struct {
	store   *cache.Store
	dir     string
	scratch string
	pass    string
	encrypt bool

	handler status.Handler

	mu         sync.Mutex
	engine     *search.Engine
	adds       []addEntry
	deletes    []deleteEntry
	idle       bool
	synced     bool
	wake       chan struct{}
	stop       chan struct{}
	done       chan struct{}
	addrs      chan string
	lastCommit time.Time

	// queue progress counters, reset when both queues drain
	queueTotal int
	queueDone  int
}

// NewIndexer creates an indexer over the given cache store. dir holds the
// durable index database; when encrypt is set the working copy lives in
// scratchDir and is re-encrypted on Stop.
func NewIndexer(store *cache.Store, dir string, scratchDir string, pass string, encrypt bool) *Indexer {
	return &Indexer{
		store:   store,
		dir:     dir,
		scratch: scratchDir,
		pass:    pass,
		encrypt: encrypt,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		addrs:   make(chan string, addressBuffer),
	}
}

// SetStatusHandler registers the indexing status sink. Must be called
// before Start.
func (i *Indexer) SetStatusHandler(handler status.Handler) {
	i.handler = handler
}

func (i *Indexer) setStatus(state status.State, progress int) {
	if i.handler != nil {
		i.handler(status.Update{State: state, Progress: progress})
	}
}

// Addresses is the stream of normalized mail addresses seen while
// indexing. The consumer owns deduplication and persistence; when nobody
// drains the channel, addresses are dropped rather than blocking.
func (i *Indexer) Addresses() <-chan string {
	return i.addrs
}

// Start opens the index database and launches the worker goroutine.
func (i *Indexer) Start() error {
	if err := os.MkdirAll(i.dir, 0700); err != nil {
		return err
	}

	path := filepath.Join(i.dir, "search.db")
	if i.encrypt {
		if err := os.MkdirAll(i.scratch, 0700); err != nil {
			return err
		}
		work := filepath.Join(i.scratch, "search.db")
		if _, err := os.Stat(work); os.IsNotExist(err) {
			if _, err := os.Stat(path); err == nil {
				if err := crypto.DecryptFile(path, work, i.pass); err != nil {
					log.Printf("index: failed to decrypt index, rebuilding: %v", err)
					_ = os.Rename(path, path+".broken")
					_ = os.Remove(work)
				}
			}
		}
		path = work
	}

	engine, err := search.NewEngine(path)
	if err != nil {
		return err
	}

	i.mu.Lock()
	i.engine = engine
	i.lastCommit = time.Now()
	i.mu.Unlock()

	go i.run()
	return nil
}

// Stop drains nothing: it halts the worker, commits, closes the engine
// and flushes the encrypted index file. Pending queue entries are
// reconstructed from the cache on the next start's reconcile pass.
func (i *Indexer) Stop() {
	close(i.stop)
	<-i.done

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.engine.Close(); err != nil {
		log.Printf("index: failed to close engine: %v", err)
	}
	i.engine = nil

	if i.encrypt {
		work := filepath.Join(i.scratch, "search.db")
		durable := filepath.Join(i.dir, "search.db")
		if err := crypto.EncryptFile(work, durable, i.pass); err != nil {
			log.Printf("index: failed to encrypt index: %v", err)
		}
	}
	close(i.addrs)
}

// EnqueueAdd requests indexing of the given UIDs; a set containing UIDAll
// requests a scan of the folder's entire cached UID list.
func (i *Indexer) EnqueueAdd(folder string, uids []uint32) {
	if len(uids) == 0 {
		uids = []uint32{UIDAll}
	}
	i.mu.Lock()
	i.adds = append(i.adds, addEntry{folder: folder, uids: uids})
	i.queueTotal++
	i.mu.Unlock()
	i.wakeUp()
}

// EnqueueDelete requests removal of all indexed messages of a folder
// except those in keep. An empty keep set drops the folder entirely.
func (i *Indexer) EnqueueDelete(folder string, keep []uint32) {
	keepSet := make(map[uint32]bool, len(keep))
	for _, uid := range keep {
		if uid != UIDAll {
			keepSet[uid] = true
		}
	}
	i.mu.Lock()
	i.deletes = append(i.deletes, deleteEntry{folder: folder, keep: keepSet})
	i.queueTotal++
	i.mu.Unlock()
	i.wakeUp()
}

// NotifyIdle gates the worker: indexing proceeds only while the
// application is idle. The first idle notification also triggers a
// reconcile of the index against the cache. Pausing clears any reported
// indexing status.
func (i *Indexer) NotifyIdle(idle bool) {
	i.mu.Lock()
	i.idle = idle
	first := idle && !i.synced
	if first {
		i.synced = true
	}
	i.mu.Unlock()

	if first {
		i.reconcile()
	}
	if idle {
		i.wakeUp()
	} else {
		i.setStatus(status.StateIdle, -1)
	}
}

func (i *Indexer) wakeUp() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// reconcile enqueues the work needed to make the index match the cache:
// adds for cached-but-unindexed messages, deletes for indexed messages
// whose folder or uid is no longer cached.
func (i *Indexer) reconcile() {
	folders, ok := i.store.GetFolders()
	if !ok {
		return
	}
	cached := make(map[string]bool, len(folders))
	for _, folder := range folders {
		cached[folder] = true
	}

	i.mu.Lock()
	docids, err := i.engine.List()
	i.mu.Unlock()
	if err != nil {
		log.Printf("index: reconcile list failed: %v", err)
		return
	}

	indexed := make(map[string]map[uint32]bool)
	for _, docid := range docids {
		folder := FolderFromDocID(docid)
		if indexed[folder] == nil {
			indexed[folder] = make(map[uint32]bool)
		}
		indexed[folder][UIDFromDocID(docid)] = true
	}

	for folder := range indexed {
		if !cached[folder] {
			i.EnqueueDelete(folder, nil)
		}
	}

	for _, folder := range folders {
		uids, ok := i.store.GetUids(folder)
		if !ok {
			continue
		}

		cachedUids := make(map[uint32]bool, len(uids))
		for _, uid := range uids {
			cachedUids[uid] = true
		}

		stale := false
		for uid := range indexed[folder] {
			if !cachedUids[uid] {
				stale = true
				break
			}
		}
		if stale {
			i.EnqueueDelete(folder, uids)
		}

		var missing []uint32
		presentHeaders := i.store.GetHeaders(folder, uids, true)
		presentBodys := i.store.GetBodys(folder, uids, true)
		for _, uid := range uids {
			if _, cachedHeader := presentHeaders[uid]; !cachedHeader {
				continue
			}
			if _, cachedBody := presentBodys[uid]; !cachedBody {
				continue
			}
			if !indexed[folder][uid] {
				missing = append(missing, uid)
			}
		}
		for start := 0; start < len(missing); start += syncChunkSize {
			end := start + syncChunkSize
			if end > len(missing) {
				end = len(missing)
			}
			i.EnqueueAdd(folder, missing[start:end])
		}
	}
}

func (i *Indexer) run() {
	defer close(i.done)
	for {
		entryDone, worked := i.processNext()

		i.mu.Lock()
		needCommit := i.engine != nil &&
			(entryDone || time.Since(i.lastCommit) >= commitInterval)
		if needCommit {
			if err := i.engine.Commit(); err != nil {
				log.Printf("index: %v", err)
			}
			i.lastCommit = time.Now()
		}
		i.mu.Unlock()

		if worked {
			continue
		}

		select {
		case <-i.stop:
			return
		case <-i.wake:
		}
	}
}

// processNext handles at most one queue entry. Returns entryDone when an
// entry was fully completed, and worked when any progress was made (so
// the loop spins again instead of sleeping).
func (i *Indexer) processNext() (bool, bool) {
	select {
	case <-i.stop:
		return false, false
	default:
	}

	i.mu.Lock()
	if !i.idle {
		i.mu.Unlock()
		return false, false
	}

	// Deletes run first so removals are never delayed behind a long
	// prefetch-driven add backlog.
	if len(i.deletes) > 0 {
		entry := i.deletes[0]
		i.deletes = i.deletes[1:]
		progress := i.progressLocked()
		i.mu.Unlock()

		i.setStatus(status.StateIndexing, progress)
		i.processDelete(entry)

		i.mu.Lock()
		i.queueDone++
		i.mu.Unlock()
		return true, true
	}

	if len(i.adds) > 0 {
		entry := i.adds[0]
		i.adds = i.adds[1:]
		progress := i.progressLocked()
		i.mu.Unlock()

		i.setStatus(status.StateIndexing, progress)
		completed := i.processAdd(entry)
		if completed {
			i.mu.Lock()
			i.queueDone++
			i.mu.Unlock()
		}
		return completed, true
	}

	// Both queues drained: reset the progress counters and clear the
	// reported indexing status.
	drained := i.queueTotal > 0
	i.queueTotal = 0
	i.queueDone = 0
	i.mu.Unlock()

	if drained {
		i.setStatus(status.StateIdle, -1)
	}
	return false, false
}

// progressLocked is the drain percentage of the current queue burst, or
// -1 for a burst too small to report. Caller holds i.mu.
func (i *Indexer) progressLocked() int {
	if i.queueTotal < 2 {
		return -1
	}
	return i.queueDone * 100 / i.queueTotal
}

// withFolderLock runs fn holding the folder's advisory lock. Returns
// false without running fn when the lock is held elsewhere.
func (i *Indexer) withFolderLock(folder string, fn func()) bool {
	lock := flock.New(i.store.LockPath(folder))
	locked, err := lock.TryLock()
	if err != nil {
		log.Printf("index: lock %s failed: %v", folder, err)
		return false
	}
	if !locked {
		return false
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Printf("index: unlock %s failed: %v", folder, err)
		}
	}()
	fn()
	return true
}

// processAdd indexes one add entry. A whole-folder entry is expanded into
// chunked per-uid entries and re-queued, so deletes can interleave.
// Returns true when the entry completed, false when it was deferred by a
// held folder lock.
func (i *Indexer) processAdd(entry addEntry) bool {
	expand := false
	for _, uid := range entry.uids {
		if uid == UIDAll {
			expand = true
			break
		}
	}

	completed := false
	ok := i.withFolderLock(entry.folder, func() {
		if expand {
			uids, ok := i.store.GetUids(entry.folder)
			if !ok {
				completed = true
				return
			}
			i.mu.Lock()
			for start := 0; start < len(uids); start += syncChunkSize {
				end := start + syncChunkSize
				if end > len(uids) {
					end = len(uids)
				}
				i.adds = append(i.adds, addEntry{folder: entry.folder, uids: uids[start:end]})
				i.queueTotal++
			}
			i.mu.Unlock()
			completed = true
			return
		}

		headers := i.store.GetHeaders(entry.folder, entry.uids, false)
		bodys := i.store.GetBodys(entry.folder, entry.uids, false)
		for _, uid := range entry.uids {
			header, haveHeader := headers[uid]
			body, haveBody := bodys[uid]
			// A document needs both parts; a header-only message is
			// indexed once its body download completes.
			if !haveHeader || header.Empty() || !haveBody || body.Empty() {
				continue
			}
			text := body.Text()

			i.mu.Lock()
			err := i.engine.Index(DocID(entry.folder, uid), header.Timestamp,
				entry.folder, text, header.Subject, header.From,
				strings.Join([]string{header.To, header.Cc, header.Bcc}, ", "))
			i.mu.Unlock()
			if err != nil {
				log.Printf("index: %v", err)
				continue
			}

			for _, addr := range header.Addresses() {
				select {
				case i.addrs <- addr:
				default:
				}
			}
		}
		completed = true
	})

	if !ok {
		// Lock held elsewhere: defer the entry, never block on it.
		i.mu.Lock()
		i.adds = append(i.adds, entry)
		i.mu.Unlock()
		time.Sleep(lockRetryDelay)
		return false
	}
	return completed
}

func (i *Indexer) processDelete(entry deleteEntry) {
	i.mu.Lock()
	docids, err := i.engine.List()
	if err != nil {
		i.mu.Unlock()
		log.Printf("index: %v", err)
		return
	}

	for _, docid := range docids {
		if FolderFromDocID(docid) != entry.folder {
			continue
		}
		if entry.keep[UIDFromDocID(docid)] {
			continue
		}
		if err := i.engine.Remove(docid); err != nil {
			log.Printf("index: %v", err)
		}
	}
	i.mu.Unlock()
}

// SearchResult is one hit with its cached header when still available.
type SearchResult struct {
	Folder string
	UID    uint32
	Header *msg.Header
}

// Search queries the index and resolves hits back to cached headers.
// Safe to call from any goroutine.
func (i *Indexer) Search(query string, offset int, max int) ([]SearchResult, bool, error) {
	i.mu.Lock()
	raw, hasMore, err := i.engine.Search(query, offset, max)
	i.mu.Unlock()
	if err != nil {
		return nil, false, err
	}

	byFolder := make(map[string][]uint32)
	for _, r := range raw {
		folder := FolderFromDocID(r.DocID)
		byFolder[folder] = append(byFolder[folder], UIDFromDocID(r.DocID))
	}

	headers := make(map[string]map[uint32]*msg.Header, len(byFolder))
	for folder, uids := range byFolder {
		headers[folder] = i.store.GetHeaders(folder, uids, false)
	}

	results := make([]SearchResult, 0, len(raw))
	for _, r := range raw {
		folder := FolderFromDocID(r.DocID)
		uid := UIDFromDocID(r.DocID)
		results = append(results, SearchResult{
			Folder: folder,
			UID:    uid,
			Header: headers[folder][uid],
		})
	}
	return results, hasMore, nil
}
