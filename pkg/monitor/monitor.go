// Package monitor streams decoder and control loop state to diagnostic
// clients over a websocket and serves the latest state as JSON.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ecu-core/pkg/ckps"
	"ecu-core/pkg/enginelogic"
	"ecu-core/pkg/log"
	"ecu-core/pkg/safety"
)

// Update is one published state sample.
type Update struct {
	Time    time.Time           `json:"time"`
	Decoder ckps.Snapshot       `json:"decoder"`
	Engine  enginelogic.Status  `json:"engine"`
	Safety  safety.Status       `json:"safety"`
	Tables  []ckps.ChannelTable `json:"tables,omitempty"`
}

// MethodFunc handles a client request.
type MethodFunc func(params map[string]any) (any, error)

// Mux is where the monitor mounts its handlers.
type Mux interface {
	Handle(pattern string, h http.Handler)
}

const (
	codeParse     = -32700
	codeNoMethod  = -32601
	codeFailed    = -32000
	notifyUpdate  = "notify_engine_update"
	sendQueueSize = 16
)

// Monitor fans published updates out to websocket clients.
type Monitor struct {
	upgrader websocket.Upgrader
	log      *log.Logger

	mu      sync.RWMutex
	clients map[int64]*client
	latest  *Update
	methods map[string]MethodFunc

	nextID  atomic.Int64
	dropped atomic.Uint64
}

// New returns a monitor with the built-in methods registered.
func New() *Monitor {
	m := &Monitor{
		clients: make(map[int64]*client),
		methods: make(map[string]MethodFunc),
		log:     log.GetLogger("monitor"),
	}
	m.upgrader = websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	m.HandleMethod("engine.status", func(map[string]any) (any, error) {
		u, ok := m.Latest()
		if !ok {
			return nil, fmt.Errorf("no state published yet")
		}
		return u, nil
	})
	m.HandleMethod("engine.methods", func(map[string]any) (any, error) {
		return m.methodNames(), nil
	})
	return m
}

// HandleMethod registers fn under name, replacing any previous handler.
func (m *Monitor) HandleMethod(name string, fn MethodFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[name] = fn
}

func (m *Monitor) methodNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.methods)+2)
	for name := range m.methods {
		names = append(names, name)
	}
	names = append(names, "engine.subscribe", "engine.unsubscribe")
	sort.Strings(names)
	return names
}

// Mount installs /ws and /status on mux.
func (m *Monitor) Mount(mux Mux) {
	mux.Handle("/ws", http.HandlerFunc(m.ServeWS))
	mux.Handle("/status", http.HandlerFunc(m.ServeStatus))
}

// Publish stores u and sends it to every subscribed client. It never
// blocks; slow clients lose updates.
func (m *Monitor) Publish(u Update) {
	m.mu.Lock()
	m.latest = &u
	targets := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		if c.subscribed.Load() {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	msg := notification{JSONRPC: "2.0", Method: notifyUpdate, Params: []any{u}}
	for _, c := range targets {
		if !c.send(msg) {
			m.dropped.Add(1)
		}
	}
}

// Latest returns the last published update.
func (m *Monitor) Latest() (Update, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Update{}, false
	}
	return *m.latest, true
}

// Clients is the number of connected websocket clients.
func (m *Monitor) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Dropped counts updates not delivered to slow clients.
func (m *Monitor) Dropped() uint64 { return m.dropped.Load() }

// Close disconnects every client.
func (m *Monitor) Close() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[int64]*client)
	m.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// ServeStatus writes the latest update as JSON.
func (m *Monitor) ServeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	u, ok := m.Latest()
	if !ok {
		http.Error(w, "no state published yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(u)
}

// ServeWS upgrades the request and runs the client until it disconnects.
func (m *Monitor) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &client{
		id:     m.nextID.Add(1),
		conn:   conn,
		m:      m,
		sendCh: make(chan any, sendQueueSize),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.clients[c.id] = c
	m.mu.Unlock()
	m.log.WithFields(log.Fields{"client": c.id, "remote": r.RemoteAddr}).Info("monitor client connected")

	go c.writePump()
	c.readPump()
}

func (m *Monitor) remove(c *client) {
	m.mu.Lock()
	_, ok := m.clients[c.id]
	delete(m.clients, c.id)
	m.mu.Unlock()
	if ok {
		m.log.WithField("client", c.id).Info("monitor client disconnected")
	}
}

func (m *Monitor) dispatch(c *client, req request) response {
	resp := response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "engine.subscribe":
		c.subscribed.Store(true)
		resp.Result = map[string]any{"subscribed": true}
		return resp
	case "engine.unsubscribe":
		c.subscribed.Store(false)
		resp.Result = map[string]any{"subscribed": false}
		return resp
	}

	m.mu.RLock()
	fn, ok := m.methods[req.Method]
	m.mu.RUnlock()
	if !ok {
		resp.Error = &rpcError{Code: codeNoMethod, Message: "method not found: " + req.Method}
		return resp
	}
	result, err := fn(req.Params)
	if err != nil {
		resp.Error = &rpcError{Code: codeFailed, Message: err.Error()}
		return resp
	}
	resp.Result = result
	return resp
}
