package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestEventDecoder(t *testing.T) {
	stream := strings.Join([]string{
		": comment",
		"event: put",
		`data: {"path":"/","data":1}`,
		"",
		"event: patch",
		"data: {\"path\":\"/a\",",
		`data: "data":{"b":2}}`,
		"id: 7",
		"",
		"",
		"data: plain",
		"",
		"retry: 1000",
		"",
		"event: keep-alive",
		"data: null",
		"",
		"event: partial",
		"data: dropped",
	}, "\r\n")

	decoder := newEventDecoder(strings.NewReader(stream))

	event, err := decoder.Next()
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, "put")
	assert.Equal(t, string(event.Data), `{"path":"/","data":1}`)

	event, err = decoder.Next()
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, "patch")
	assert.Equal(t, string(event.Data), "{\"path\":\"/a\",\n\"data\":{\"b\":2}}")
	assert.Equal(t, event.Id, "7")

	event, err = decoder.Next()
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, "message")
	assert.Equal(t, string(event.Data), "plain")

	event, err = decoder.Next()
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, "keep-alive")

	_, err = decoder.Next()
	assert.Equal(t, err, io.EOF)
}

// a tree event server. Each connection writes the next script of events then
// holds the connection open until the client leaves or `ending` is set.
type testEventServer struct {
	stateLock   sync.Mutex
	scripts     [][]string
	connections int
	tokens      []string
	ending      bool
	// connections answered with 401 before any script runs
	rejections int
}

func (self *testEventServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.stateLock.Lock()
	self.connections += 1
	self.tokens = append(self.tokens, r.Header.Get("Authorization"))
	if 0 < self.rejections {
		self.rejections -= 1
		self.stateLock.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var script []string
	if 0 < len(self.scripts) {
		script = self.scripts[0]
		self.scripts = self.scripts[1:]
	}
	ending := self.ending
	self.stateLock.Unlock()

	if r.Header.Get("Accept") != "text/event-stream" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	for _, event := range script {
		fmt.Fprint(w, event)
		flusher.Flush()
	}
	if ending {
		return
	}
	<-r.Context().Done()
}

func (self *testEventServer) Token(i int) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.tokens[i]
}

func (self *testEventServer) Connections() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connections
}

func sse(eventType string, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

func nextChange(t *testing.T, listener *TreeListener) *TreeChange {
	t.Helper()
	select {
	case change, ok := <-listener.Changes():
		if !ok {
			t.Fatalf("changes closed = %v", listener.Err())
		}
		return change
	case <-time.After(5 * time.Second):
		t.Fatal("no change")
		return nil
	}
}

func testTreeListenerSettings() *TreeListenerSettings {
	settings := DefaultTreeListenerSettings()
	settings.MaxRetries = 2
	settings.Backoff = ExponentialBackoff{
		Delay:    5 * time.Millisecond,
		MaxDelay: 20 * time.Millisecond,
		Factor:   2,
	}
	settings.StreamSettings.StopTimeout = time.Second
	return settings
}

func TestTreeListener(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &testEventServer{
		scripts: [][]string{
			{
				sse("put", `{"path":"/","data":{"a":{"b":1},"list":[1]}}`),
				sse("keep-alive", "null"),
				sse("unknown", "{}"),
				sse("put", `not json`),
				sse("patch", `{"path":"/a","data":{"c":2,"d/e":3}}`),
				sse("put", `{"path":"/list/2","data":"x"}`),
				sse("auth_revoked", `"credential is no longer valid"`),
			},
			{
				sse("put", `{"path":"/a/b","data":10}`),
			},
		},
	}
	server := httptest.NewServer(events)
	defer server.Close()

	store := NewMemoryMirrorStore()
	treeMirror := NewTreeMirrorWithStore(store)
	client := NewTreeClient(ctx, server.URL, NewStaticAuthorization("p", "secret"))
	defer client.Close()
	listener := client.Listen("/rooms", treeMirror, testTreeListenerSettings())
	assert.Equal(t, listener.Url(), server.URL+"/rooms.json")

	change := nextChange(t, listener)
	assert.Equal(t, change.Path.IsRoot(), true)
	assertTree(t, `{"a":{"b":1},"list":[1]}`, change.Value.Value())

	change = nextChange(t, listener)
	assert.Equal(t, change.Path.String(), "/a")
	value, _ := change.Value.Get(change.Path)
	assertTree(t, `{"b":1,"c":2,"d":{"e":3}}`, value)

	change = nextChange(t, listener)
	assert.Equal(t, change.Path.String(), "/list/2")

	// after the revoke, a new connection
	change = nextChange(t, listener)
	assert.Equal(t, change.Path.String(), "/a/b")
	assertTree(t, `{"a":{"b":10,"c":2,"d":{"e":3}},"list":[1,null,"x"]}`, listener.Value().Value())
	assert.Equal(t, events.Connections(), 2)
	assert.Equal(t, events.Token(1), "Bearer secret")
	assert.Equal(t, store.SaveCount(), 4)

	err := listener.Stop(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, listener.Err(), nil)
	assert.Equal(t, listener.State(), StreamStateStopped)
}

func TestTreeListenerPatchError(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &testEventServer{
		scripts: [][]string{
			{
				sse("put", `{"path":"/a","data":1}`),
				sse("patch", `{"path":"/a","data":[1,2]}`),
			},
		},
	}
	server := httptest.NewServer(events)
	defer server.Close()

	listener := NewTreeListener(ctx, server.URL+"/.json", nil, NewTreeMirror(), testTreeListenerSettings())

	nextChange(t, listener)
	waitDone(t, listener.Done())
	assert.Equal(t, errors.Is(listener.Err(), ErrPatchNotObject), true)
	// the mirror keeps the last good value
	assertTree(t, `{"a":1}`, listener.Value().Value())
	assert.Equal(t, events.Connections(), 1)
}

func TestTreeListenerRetriesExhausted(t *testing.T) {
	initGlog()

	events := &testEventServer{
		ending: true,
	}
	server := httptest.NewServer(events)
	defer server.Close()

	listener := NewTreeListener(context.Background(), server.URL+"/.json", nil, NewTreeMirror(), testTreeListenerSettings())
	waitDone(t, listener.Done())
	assert.Equal(t, errors.Is(listener.Err(), ErrRetriesExhausted), true)
	assert.Equal(t, events.Connections(), 3)
}

func TestTreeListenerAnonymous(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &testEventServer{
		scripts: [][]string{
			{sse("put", `{"path":"/","data":true}`)},
		},
	}
	server := httptest.NewServer(events)
	defer server.Close()

	settings := testTreeListenerSettings()
	settings.AllowAnonymous = true
	listener := NewTreeListener(ctx, server.URL+"/.json", NewStaticAuthorization("p", ""), NewTreeMirror(), settings)
	nextChange(t, listener)
	assert.Equal(t, events.Token(0), "")
	listener.Stop(ctx)

	// without anonymous access a missing token is fatal
	listener = NewTreeListener(ctx, server.URL+"/.json", NewStaticAuthorization("p", ""), NewTreeMirror(), testTreeListenerSettings())
	waitDone(t, listener.Done())
	assert.Equal(t, errors.Is(listener.Err(), ErrNoToken), true)
}

func testSignedAuthorization(subject string) *SignedJwtAuthorization {
	settings := DefaultSignedJwtSettings()
	settings.Subject = subject
	return NewHmacJwtAuthorization("p", []byte("secret"), settings)
}

func TestTreeListenerRevokeRefreshesToken(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &testEventServer{
		scripts: [][]string{
			{
				sse("put", `{"path":"/","data":1}`),
				sse("auth_revoked", `"credential is no longer valid"`),
			},
			{
				sse("put", `{"path":"/","data":2}`),
			},
		},
	}
	server := httptest.NewServer(events)
	defer server.Close()

	settings := testTreeListenerSettings()
	// the reconnect after a revoke does not wait
	settings.Backoff.Delay = time.Hour
	settings.Backoff.MaxDelay = time.Hour
	auth := testSignedAuthorization("tree-revoke")
	listener := NewTreeListener(ctx, server.URL+"/.json", auth, NewTreeMirror(), settings)

	nextChange(t, listener)
	change := nextChange(t, listener)
	assertTree(t, `2`, change.Value.Value())

	assert.Equal(t, events.Connections(), 2)
	first := events.Token(0)
	second := events.Token(1)
	assert.Equal(t, strings.HasPrefix(first, "Bearer "), true)
	assert.Equal(t, strings.HasPrefix(second, "Bearer "), true)
	assert.NotEqual(t, first, second)

	// the fresh token is the one now cached
	token, err := auth.GetToken(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, "Bearer "+token, second)

	err = listener.Stop(ctx)
	assert.Equal(t, err, nil)
}

func TestTreeListenerUnauthorizedRefreshesToken(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &testEventServer{
		rejections: 1,
		scripts: [][]string{
			{sse("put", `{"path":"/","data":true}`)},
		},
	}
	server := httptest.NewServer(events)
	defer server.Close()

	settings := testTreeListenerSettings()
	settings.Backoff.Delay = time.Hour
	settings.Backoff.MaxDelay = time.Hour
	listener := NewTreeListener(ctx, server.URL+"/.json", testSignedAuthorization("tree-unauthorized"), NewTreeMirror(), settings)

	nextChange(t, listener)
	assert.Equal(t, events.Connections(), 2)
	assert.NotEqual(t, events.Token(0), events.Token(1))

	err := listener.Stop(ctx)
	assert.Equal(t, err, nil)
}

func TestTreeListenerSlowConsumer(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := 40
	script := []string{}
	for i := 0; i < n; i += 1 {
		script = append(script, sse("put", fmt.Sprintf(`{"path":"/n/%d","data":%d}`, i, i)))
	}
	events := &testEventServer{
		scripts: [][]string{script},
	}
	server := httptest.NewServer(events)
	defer server.Close()

	settings := testTreeListenerSettings()
	settings.ChangeBufferSize = 5
	listener := NewTreeListener(ctx, server.URL+"/.json", nil, NewTreeMirror(), settings)

	change := nextChange(t, listener)
	assert.Equal(t, change.Path.String(), "/n/0")

	// the listener blocks on the full buffer instead of applying ahead
	time.Sleep(100 * time.Millisecond)
	applied, _ := listener.Value().Get(ParsePath("/n"))
	assert.Equal(t, applied.Len() <= 1+settings.ChangeBufferSize+1, true)

	for i := 1; i < n; i += 1 {
		time.Sleep(5 * time.Millisecond)
		change := nextChange(t, listener)
		assert.Equal(t, change.Path.String(), fmt.Sprintf("/n/%d", i))
	}

	value, _ := listener.Value().Get(ParsePath("/n"))
	assert.Equal(t, value.Len(), n)
	assert.Equal(t, events.Connections(), 1)

	err := listener.Stop(ctx)
	assert.Equal(t, err, nil)
}
