package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nostr-sync/internal/nostr"
	"nostr-sync/internal/types"
	"nostr-sync/internal/util"
)

// PublishBehavior selects how a FakeRelay answers EVENT messages
type PublishBehavior int

const (
	PublishAccept PublishBehavior = iota
	PublishReject
	PublishIgnore
)

// FakeRelay is a scriptable in-process Nostr relay for tests
type FakeRelay struct {
	URL string

	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conns         map[*websocket.Conn]*fakeClient
	stored        []*types.Event
	published     []*types.Event
	reqs          []string
	closes        []string
	connects      int
	behavior      PublishBehavior
	rejectMessage string
	challenge     string
	requireAuth   bool
	authedPubkeys []string
}

type fakeClient struct {
	writeMu sync.Mutex
	ws      *websocket.Conn
	subs    map[string][]types.Filter
	authed  bool
}

func (c *fakeClient) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, data)
}

// NewFakeRelay starts a relay and registers its shutdown with t.Cleanup
func NewFakeRelay(t *testing.T) *FakeRelay {
	t.Helper()
	r := &FakeRelay{
		conns: make(map[*websocket.Conn]*fakeClient),
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	r.URL = "ws" + strings.TrimPrefix(r.server.URL, "http")
	t.Cleanup(r.Close)
	return r
}

// Store adds events served to matching REQs before EOSE
func (r *FakeRelay) Store(events ...*types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = append(r.stored, events...)
}

// SetPublishBehavior changes how EVENT messages are answered
func (r *FakeRelay) SetPublishBehavior(b PublishBehavior, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behavior = b
	r.rejectMessage = message
}

// RequireAuth makes the relay send an AUTH challenge on connect and refuse
// REQ and EVENT until the client authenticates
func (r *FakeRelay) RequireAuth(challenge string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenge = challenge
	r.requireAuth = true
}

// Broadcast pushes a live event to every open subscription it matches
func (r *FakeRelay) Broadcast(evt *types.Event) {
	r.mu.Lock()
	clients := make([]*fakeClient, 0, len(r.conns))
	for _, c := range r.conns {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		r.mu.Lock()
		var targets []string
		for subID, filters := range c.subs {
			if nostr.MatchesAny(filters, evt) {
				targets = append(targets, subID)
			}
		}
		r.mu.Unlock()
		for _, subID := range targets {
			c.send([]interface{}{"EVENT", subID, evt})
		}
	}
}

// SendRaw writes a raw frame to every connected client
func (r *FakeRelay) SendRaw(frame string) {
	r.mu.Lock()
	clients := make([]*fakeClient, 0, len(r.conns))
	for _, c := range r.conns {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.writeMu.Lock()
		c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
		c.writeMu.Unlock()
	}
}

// DropConnections closes every client transport without a close handshake
func (r *FakeRelay) DropConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ws := range r.conns {
		ws.Close()
		delete(r.conns, ws)
	}
}

// Connects returns the number of accepted websocket connections
func (r *FakeRelay) Connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

// Reqs returns the subscription ids of every REQ received, in order
func (r *FakeRelay) Reqs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reqs...)
}

// Closes returns the subscription ids of every CLOSE received
func (r *FakeRelay) Closes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closes...)
}

// Published returns events received via EVENT
func (r *FakeRelay) Published() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Event(nil), r.published...)
}

// AuthedPubkeys returns the pubkeys that completed AUTH
func (r *FakeRelay) AuthedPubkeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.authedPubkeys...)
}

// Close shuts the relay down
func (r *FakeRelay) Close() {
	r.DropConnections()
	r.server.Close()
}

func (r *FakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	client := &fakeClient{ws: ws, subs: make(map[string][]types.Filter)}

	r.mu.Lock()
	r.conns[ws] = client
	r.connects++
	challenge := r.challenge
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, ws)
		r.mu.Unlock()
		ws.Close()
	}()

	if challenge != "" {
		client.send([]interface{}{"AUTH", challenge})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg []json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
			continue
		}
		var label string
		json.Unmarshal(msg[0], &label)

		switch label {
		case "REQ":
			r.handleReq(client, msg)
		case "CLOSE":
			var subID string
			json.Unmarshal(msg[1], &subID)
			r.mu.Lock()
			delete(client.subs, subID)
			r.closes = append(r.closes, subID)
			r.mu.Unlock()
		case "EVENT":
			r.handleEvent(client, msg)
		case "AUTH":
			var evt types.Event
			if err := json.Unmarshal(msg[1], &evt); err != nil {
				continue
			}
			ok := nostr.Verify(&evt) &&
				evt.Kind == types.KindClientAuthentication &&
				util.GetTagValue(evt.Tags, "challenge") == challenge
			r.mu.Lock()
			if ok {
				client.authed = true
				r.authedPubkeys = append(r.authedPubkeys, evt.PubKey)
			}
			r.mu.Unlock()
			client.send([]interface{}{"OK", evt.ID, ok, ""})
		}
	}
}

func (r *FakeRelay) handleReq(client *fakeClient, msg []json.RawMessage) {
	var subID string
	json.Unmarshal(msg[1], &subID)

	var filters []types.Filter
	for _, raw := range msg[2:] {
		f, err := nostr.ParseFilter(raw)
		if err != nil {
			client.send([]interface{}{"CLOSED", subID, "error: bad filter"})
			return
		}
		filters = append(filters, f)
	}

	r.mu.Lock()
	r.reqs = append(r.reqs, subID)
	if r.requireAuth && !client.authed {
		r.mu.Unlock()
		client.send([]interface{}{"CLOSED", subID, "auth-required: authenticate first"})
		return
	}
	client.subs[subID] = filters
	var matches []*types.Event
	for _, evt := range r.stored {
		if nostr.MatchesAny(filters, evt) {
			matches = append(matches, evt)
		}
	}
	r.mu.Unlock()

	for _, evt := range matches {
		client.send([]interface{}{"EVENT", subID, evt})
	}
	client.send([]interface{}{"EOSE", subID})
}

func (r *FakeRelay) handleEvent(client *fakeClient, msg []json.RawMessage) {
	var evt types.Event
	if err := json.Unmarshal(msg[1], &evt); err != nil {
		return
	}

	r.mu.Lock()
	r.published = append(r.published, &evt)
	behavior := r.behavior
	message := r.rejectMessage
	if r.requireAuth && !client.authed {
		behavior = PublishReject
		message = "auth-required: authenticate first"
	}
	r.mu.Unlock()

	switch behavior {
	case PublishAccept:
		client.send([]interface{}{"OK", evt.ID, true, ""})
	case PublishReject:
		client.send([]interface{}{"OK", evt.ID, false, message})
	case PublishIgnore:
	}
}

// WaitFor polls cond until it holds or the timeout passes
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
