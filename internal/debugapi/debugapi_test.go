package debugapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestHandleStatusEncodesSnapshot(t *testing.T) {
	s := New("127.0.0.1:0", func() Snapshot {
		return Snapshot{DisplayState: "on", RendererState: "enabled", PauseClients: 2}
	}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "on", got.DisplayState)
	assert.Equal(t, 2, got.PauseClients)
}

func TestStreamSendsInitialSnapshotThenPublishedUpdates(t *testing.T) {
	s := New("127.0.0.1:0", func() Snapshot {
		return Snapshot{DisplayState: "on"}
	}, testLogger())

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "on", first.DisplayState)

	// allow the server goroutine to register the subscriber before
	// publishing, since addSub happens after the upgrade completes.
	time.Sleep(20 * time.Millisecond)
	s.Publish(Snapshot{DisplayState: "dim"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var second Snapshot
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "dim", second.DisplayState)
}

func TestPublishDropsForSlowSubscriberWithoutBlocking(t *testing.T) {
	s := New("127.0.0.1:0", func() Snapshot { return Snapshot{} }, testLogger())
	ch := make(chan Snapshot) // unbuffered and never drained
	s.addSub(ch)
	defer s.removeSub(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Publish(Snapshot{DisplayState: "on"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
