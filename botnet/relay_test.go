package botnet

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// fakeRelay is an in-memory stand-in for the relay server, used by the
// client and runtime tests.
type fakeRelay struct {
	mu       sync.Mutex
	nextTok  int
	tokens   map[string]int
	robots   map[int]bool
	queues   map[int][]Message
	sent     []Message
	sendFail int // sends to reject before accepting
	attempts int

	srv *httptest.Server
}

func newFakeRelay() *fakeRelay {
	f := &fakeRelay{
		tokens: make(map[string]int),
		robots: make(map[int]bool),
		queues: make(map[int][]Message),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/connect", f.handleConnect)
	mux.HandleFunc("/api/disconnect", f.handleDisconnect)
	mux.HandleFunc("/api/poll", f.handlePoll)
	mux.HandleFunc("/api/send", f.handleSend)
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeRelay) Close() {
	f.srv.Close()
}

func (f *fakeRelay) URL() string {
	return f.srv.URL
}

// enqueue preloads a message for a recipient.
func (f *fakeRelay) enqueue(m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[m.Recipient] = append(f.queues[m.Recipient], m)
}

func (f *fakeRelay) sentMessages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeRelay) sendAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeRelay) connected(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.robots[id]
}

func (f *fakeRelay) auth(r *http.Request) (int, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Token ")
	if !ok {
		return 0, false
	}
	id, ok := f.tokens[token]
	return id, ok
}

func (f *fakeRelay) handleConnect(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if f.robots[req.ID] {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	f.nextTok++
	token := strings.Repeat("a", 15) + string(rune('a'+f.nextTok%6))
	f.tokens[token] = req.ID
	f.robots[req.ID] = true
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (f *fakeRelay) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.auth(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	delete(f.robots, id)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeRelay) handlePoll(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.auth(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	msgs := f.queues[id]
	delete(f.queues, id)
	if msgs == nil {
		msgs = []Message{}
	}
	robots := make([]int, 0, len(f.robots))
	for rid := range f.robots {
		robots = append(robots, rid)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"messages": msgs,
		"robots":   robots,
	})
}

func (f *fakeRelay) handleSend(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if _, ok := f.auth(r); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.sendFail > 0 {
		f.sendFail--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var m Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.sent = append(f.sent, m)
	w.WriteHeader(http.StatusCreated)
}
