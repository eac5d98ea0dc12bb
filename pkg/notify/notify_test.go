package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/papertrade/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recorder struct {
	mu    sync.Mutex
	got   []string
	block chan struct{}
	err   error
}

func (r *recorder) Notify(ctx context.Context, userID, text string) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, userID+":"+text)
	return r.err
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestDispatcherDeliversAndDrains(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, 8, time.Second, testLogger(), metrics.NewNop())

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, d.Notify(context.Background(), "alice", text))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, []string{"alice:one", "alice:two", "alice:three"}, rec.messages())
	assert.ErrorIs(t, d.Notify(context.Background(), "alice", "late"), ErrDispatcherClosed)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	m := metrics.NewNop()
	d := NewDispatcher(rec, 1, time.Second, testLogger(), m)

	// the worker takes the first message and blocks; the second fills the queue
	require.NoError(t, d.Notify(context.Background(), "bob", "1"))
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Notify(context.Background(), "bob", "2"))
	require.NoError(t, d.Notify(context.Background(), "bob", "3"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDropped))
	close(rec.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"bob:1", "bob:2"}, rec.messages())
}

func TestDispatcherCountsFailures(t *testing.T) {
	rec := &recorder{err: errors.New("sink down")}
	m := metrics.NewNop()
	d := NewDispatcher(rec, 4, time.Second, testLogger(), m)

	require.NoError(t, d.Notify(context.Background(), "carol", "hi"))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDropped))
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("nope")}
	err := Multi{ok, bad, NewLogNotifier(testLogger())}.Notify(context.Background(), "dave", "msg")
	require.Error(t, err)
	assert.Equal(t, []string{"dave:msg"}, ok.messages())
}

func TestDiscordNotifier(t *testing.T) {
	var body discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, sonic.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL, time.Second)
	require.NoError(t, n.Notify(context.Background(), "erin", "Trade closed due to target. Final PnL: 500.00 USDT"))
	require.Len(t, body.Embeds, 1)
	assert.Contains(t, body.Embeds[0].Description, "Final PnL: 500.00")
	assert.Equal(t, "user erin", body.Embeds[0].Footer.Text)
}

func TestDiscordNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordNotifier(srv.URL, time.Second).Notify(context.Background(), "erin", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestHubDeliversToOwnerOnly(t *testing.T) {
	hub := NewHub(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("user"))
	}))
	defer srv.Close()

	dial := func(user string) *websocket.Conn {
		url := "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/?user=" + user
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		return conn
	}
	alice := dial("alice")
	defer alice.Close()
	bob := dial("bob")
	defer bob.Close()

	require.Eventually(t, func() bool {
		return hub.Subscribers("alice") == 1 && hub.Subscribers("bob") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), "alice", "position closed"))

	_ = alice.SetReadDeadline(time.Now().Add(time.Second))
	_, frame, err := alice.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, sonic.Unmarshal(frame, &ev))
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, "position closed", ev.Text)

	_ = bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "bob must not receive alice's notification")

	alice.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("alice") == 0 }, time.Second, 5*time.Millisecond)
}
