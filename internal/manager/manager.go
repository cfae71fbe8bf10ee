// Package manager coordinates all mail activity on three worker
// goroutines: the main worker owns the network connection and serializes
// every protocol operation, the cache worker answers requests from local
// data without touching the network, and the search worker runs index
// queries. UI code talks to the manager only through async requests and
// callback responses, so it never blocks on the server.
package manager

import (
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"petrel/internal/cache"
	"petrel/internal/conf"
	"petrel/internal/imap"
	"petrel/internal/index"
	"petrel/internal/msg"
	"petrel/internal/oauth"
	"petrel/internal/smtp"
	"petrel/internal/status"
)

const (
	// maxAttempts bounds how often a failed request or action is retried
	// before being dropped.
	maxAttempts = 3

	// reconnectDelay paces reconnection attempts; queued work is
	// preserved across the outage.
	reconnectDelay = 15 * time.Second

	// progressReportMinTasks suppresses progress noise for trivial
	// queues.
	progressReportMinTasks = 2

	shutdownGrace       = 3 * time.Second
	shutdownAbortGrace  = time.Second
	defaultIdleDuration = 29 * time.Minute
)

// Request asks for mail data. PrefetchLevel 0 is a foreground request;
// higher levels are background prefetch, served shallowest level first.
type Request struct {
	PrefetchLevel int
	Folder        string
	GetFolders    bool
	GetUids       bool
	GetHeaders    []uint32
	GetFlags      []uint32
	GetBodys      []uint32

	tryCount int
}

// Response carries the data for one request. A request touching cached
// data is answered twice: once quickly from the cache (Cached true) and
// once from the server. Failed marks a request or action that exhausted
// its retries and was dropped; no data accompanies it.
type Response struct {
	Folder  string
	Cached  bool
	Failed  bool
	Folders []string
	Uids    []uint32
	Headers map[uint32]*msg.Header
	Flags   map[uint32]uint32
	Bodys   map[uint32]*msg.Body
}

// Action mutates mail state. Exactly one of the operation fields should
// be set.
type Action struct {
	Folder          string
	Uids            []uint32
	SetSeen         bool
	SetUnseen       bool
	Delete          bool
	MoveDestination string
	UploadFolder    string
	UploadMsg       string
	UploadDraft     bool

	// Compose submits a message over SMTP; a copy is uploaded to
	// SentFolder when set.
	Compose    *smtp.Compose
	SentFolder string

	tryCount int
}

// SearchQuery runs against the local full-text index.
type SearchQuery struct {
	Query  string
	Offset int
	Max    int
}

// SearchResponse returns one result page.
type SearchResponse struct {
	Query   SearchQuery
	Results []index.SearchResult
	HasMore bool
}

// Handlers are the manager's output callbacks. All are invoked from
// worker goroutines; nil handlers are skipped.
type Handlers struct {
	Response func(Response)
	Search   func(SearchResponse)
	Status   status.Handler
}

type Manager struct {
	session *imap.Session
	store   *cache.Store
	indexer *index.Indexer
	oauth   *oauth.Provider
	sender  *smtp.Sender
	cfg     *conf.Config
	handler Handlers

	mu            sync.Mutex
	actionQueue   []Action
	requestQueue  []Request
	prefetchQueue map[int][]Request
	cacheQueue    []Request
	searchQueue   []SearchQuery
	currentFolder string
	stopping      bool

	// progress counters; one pair for foreground work, one for prefetch
	foregroundTotal int
	foregroundDone  int
	prefetchTotal   int
	prefetchDone    int

	// connected is guarded by mu: the main loop writes it, Stop reads it.
	connected bool

	wake       chan struct{}
	cacheWake  chan struct{}
	searchWake chan struct{}
	stop       chan struct{}

	group *errgroup.Group
	done  chan struct{}
}

func NewManager(session *imap.Session, store *cache.Store, indexer *index.Indexer,
	provider *oauth.Provider, cfg *conf.Config, handler Handlers) *Manager {
	return &Manager{
		session:       session,
		store:         store,
		indexer:       indexer,
		oauth:         provider,
		cfg:           cfg,
		handler:       handler,
		prefetchQueue: make(map[int][]Request),
		currentFolder: "INBOX",
		wake:          make(chan struct{}, 1),
		cacheWake:     make(chan struct{}, 1),
		searchWake:    make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// SetSender enables outgoing mail; without it compose actions fail.
// Must be called before Start.
func (m *Manager) SetSender(sender *smtp.Sender) {
	m.sender = sender
}

// Start launches the worker goroutines.
func (m *Manager) Start() {
	m.group = &errgroup.Group{}
	m.group.Go(m.mainLoop)
	m.group.Go(m.cacheLoop)
	m.group.Go(m.searchLoop)
	go func() {
		_ = m.group.Wait()
		close(m.done)
	}()
}

// Stop shuts the workers down: pending queue entries are discarded, an
// in-flight network call gets a bounded grace period and is then aborted
// by closing the connection.
func (m *Manager) Stop() {
	m.setStatus(status.StateExiting, -1)

	m.mu.Lock()
	m.stopping = true
	m.actionQueue = nil
	m.requestQueue = nil
	m.prefetchQueue = make(map[int][]Request)
	m.cacheQueue = nil
	m.searchQueue = nil
	m.mu.Unlock()

	close(m.stop)

	select {
	case <-m.done:
	case <-time.After(shutdownGrace):
		// A network call is stuck; break it and give the workers one
		// more moment to unwind.
		log.Printf("manager: aborting in-flight call")
		m.session.Abort()
		select {
		case <-m.done:
		case <-time.After(shutdownAbortGrace):
			log.Printf("manager: workers did not stop cleanly")
		}
	}

	if m.isConnected() {
		_ = m.session.Logout()
	}
}

func (m *Manager) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) setConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// AsyncRequest queues a request. Foreground requests with cacheable
// aspects are answered from the cache first, then from the server.
func (m *Manager) AsyncRequest(req Request) {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}

	if req.PrefetchLevel == 0 {
		if req.Folder != "" {
			m.currentFolder = req.Folder
		}
		m.cacheQueue = append(m.cacheQueue, req)
		m.requestQueue = append(m.requestQueue, req)
		m.foregroundTotal++
	} else {
		m.prefetchQueue[req.PrefetchLevel] = append(m.prefetchQueue[req.PrefetchLevel], req)
		m.prefetchTotal++
	}
	m.mu.Unlock()

	signal(m.wake)
	if req.PrefetchLevel == 0 {
		signal(m.cacheWake)
	}
}

// AsyncAction queues a mutation. Actions take priority over all requests.
func (m *Manager) AsyncAction(action Action) {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}
	m.actionQueue = append(m.actionQueue, action)
	m.foregroundTotal++
	m.mu.Unlock()

	signal(m.wake)
}

// AsyncSearch queues an index query.
func (m *Manager) AsyncSearch(query SearchQuery) {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}
	m.searchQueue = append(m.searchQueue, query)
	m.mu.Unlock()

	signal(m.searchWake)
}

func (m *Manager) setStatus(state status.State, progress int) {
	if m.handler.Status != nil {
		m.handler.Status(status.Update{State: state, Progress: progress})
	}
}

func (m *Manager) respond(resp Response) {
	if m.handler.Response != nil {
		m.handler.Response(resp)
	}
}

// queue inspection helpers; caller holds m.mu

func (m *Manager) prefetchLevels() []int {
	levels := make([]int, 0, len(m.prefetchQueue))
	for level, queue := range m.prefetchQueue {
		if len(queue) > 0 {
			levels = append(levels, level)
		}
	}
	sort.Ints(levels)
	return levels
}

func (m *Manager) queuesEmpty() bool {
	if len(m.actionQueue) > 0 || len(m.requestQueue) > 0 {
		return false
	}
	return len(m.prefetchLevels()) == 0
}
