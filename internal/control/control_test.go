package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rendersync/internal/transfer"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Submit(cmd Command) error {
	args := m.Called(cmd)
	return args.Error(0)
}

func TestCommand_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr error
	}{
		{"connect", Connect("farm-01", "10.0.0.5:7000"), nil},
		{"connect without endpoint", Connect("farm-01"), ErrInvalidCommand},
		{"connect with empty endpoint", Connect("farm-01", ""), ErrInvalidCommand},
		{"disconnect", Disconnect("farm-01"), nil},
		{"disconnect without peer", Disconnect(""), ErrInvalidCommand},
		{"transfer", TransferRequest("scene.blend", "/tmp/scene.blend", "farm-01", "c1"), nil},
		{"transfer without correlation", TransferRequest("scene.blend", "/tmp/scene.blend", "farm-01", ""), ErrInvalidCommand},
		{"cancel task", CancelTask("t1"), nil},
		{"cancel correlation", CancelCorrelation("c1"), nil},
		{"cancel all", CancelAll(), nil},
		{"cancel nothing", Command{Op: OpCancel}, ErrInvalidCommand},
		{"update timeout", UpdateTimeout(12.5), nil},
		{"update timeout zero", UpdateTimeout(0), ErrInvalidCommand},
		{"unknown", Command{Op: "reboot"}, ErrUnknownOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCommand_JSONShape(t *testing.T) {
	raw := `{"op":"transfer_request","source_file_id":"tex/wood.exr","dest_path":"/farm/wood.exr","peer_id":"ws-3","correlation_id":"42"}`
	var cmd Command
	require.NoError(t, json.Unmarshal([]byte(raw), &cmd))
	assert.Equal(t, TransferRequest("tex/wood.exr", "/farm/wood.exr", "ws-3", "42"), cmd)
}

func TestHub_FanOutAndSlowSubscriber(t *testing.T) {
	h := NewHub(discardLogger())
	fast, unsubFast := h.Subscribe(8)
	slow, unsubSlow := h.Subscribe(1)
	assert.Equal(t, 2, h.Subscribers())

	h.Notify(Notification{Kind: KindProgress, Percent: 10})
	h.Notify(Notification{Kind: KindProgress, Percent: 20})

	assert.Equal(t, float64(10), (<-fast).Percent)
	assert.Equal(t, float64(20), (<-fast).Percent)
	assert.Equal(t, float64(10), (<-slow).Percent)
	select {
	case n := <-slow:
		t.Fatalf("slow subscriber should have dropped, got %+v", n)
	default:
	}

	unsubSlow()
	unsubSlow()
	_, open := <-slow
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())
	unsubFast()
	h.Notify(Notification{Kind: KindComplete})
}

func TestHub_TerminalNotificationsAreNotDropped(t *testing.T) {
	h := NewHub(discardLogger())
	h.DeliveryTimeout = time.Second
	sub, unsub := h.Subscribe(2)
	defer unsub()

	h.Notify(Notification{Kind: KindProgress, CorrelationID: "c-1", Percent: 50})
	h.Notify(Notification{Kind: KindProgress, CorrelationID: "c-1", Percent: 100})

	// Le chan est plein : complete attend que l'abonné lise.
	got := make(chan []Kind)
	go func() {
		time.Sleep(100 * time.Millisecond)
		var kinds []Kind
		for i := 0; i < 3; i++ {
			kinds = append(kinds, (<-sub).Kind)
		}
		got <- kinds
	}()
	h.Notify(Notification{Kind: KindComplete, CorrelationID: "c-1"})
	assert.Equal(t, []Kind{KindProgress, KindProgress, KindComplete}, <-got)
	assert.Equal(t, 1, h.Subscribers())
}

func TestHub_StalledSubscriberIsDisconnected(t *testing.T) {
	h := NewHub(discardLogger())
	h.DeliveryTimeout = 50 * time.Millisecond
	stalled, unsubStalled := h.Subscribe(1)
	live, unsubLive := h.Subscribe(4)
	defer unsubLive()

	h.Notify(Notification{Kind: KindProgress, CorrelationID: "c-1", Percent: 10})
	h.Notify(Notification{Kind: KindFailed, CorrelationID: "c-1", Reason: "peer gone"})

	assert.Equal(t, KindProgress, (<-live).Kind)
	assert.Equal(t, KindFailed, (<-live).Kind)

	// L'abonné bloqué garde ce qu'il avait reçu puis voit son chan fermé.
	assert.Equal(t, KindProgress, (<-stalled).Kind)
	_, open := <-stalled
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())
	unsubStalled()
}

func TestServer_ClosesEvictedClient(t *testing.T) {
	hub := NewHub(discardLogger())
	hub.DeliveryTimeout = 50 * time.Millisecond
	conn := startServer(t, &mockSink{}, hub)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)

	// Évincer l'abonné du serveur, comme après un échec de livraison.
	hub.mu.Lock()
	for id := range hub.subs {
		hub.remove(id)
	}
	hub.mu.Unlock()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestNotification_Terminal(t *testing.T) {
	assert.True(t, Notification{Kind: KindComplete}.Terminal())
	assert.True(t, Notification{Kind: KindCancelled}.Terminal())
	assert.False(t, Notification{Kind: KindProgress}.Terminal())
	assert.False(t, Notification{Kind: KindConnectFailed}.Terminal())
}

func startServer(t *testing.T, sink CommandSink, hub *Hub) *websocket.Conn {
	t.Helper()
	srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", Sink: sink, Hub: hub, Logger: discardLogger()})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	url := "ws://" + srv.Addr().String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))
	})
	return conn
}

func readNotification(t *testing.T, conn *websocket.Conn) Notification {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var n Notification
	require.NoError(t, conn.ReadJSON(&n))
	return n
}

func TestServer_CommandsAndNotifications(t *testing.T) {
	sink := &mockSink{}
	cmd := TransferRequest("scene.blend", "/farm/scene.blend", "ws-1", "c-7")
	submitted := make(chan struct{})
	sink.On("Submit", cmd).Return(nil).Run(func(mock.Arguments) { close(submitted) }).Once()

	hub := NewHub(discardLogger())
	conn := startServer(t, sink, hub)

	require.NoError(t, conn.WriteJSON(cmd))
	select {
	case <-submitted:
	case <-time.After(3 * time.Second):
		t.Fatal("command not submitted")
	}
	sink.AssertExpectations(t)

	// L'abonnement est actif dès que la connexion est servie.
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)
	hub.Notify(Notification{Kind: KindComplete, CorrelationID: "c-7", Stats: &transfer.Stats{Chunks: 4, Bytes: 200000}})
	n := readNotification(t, conn)
	assert.Equal(t, KindComplete, n.Kind)
	assert.Equal(t, "c-7", n.CorrelationID)
	require.NotNil(t, n.Stats)
	assert.Equal(t, int64(200000), n.Stats.Bytes)
}

func TestServer_StatusEndpoint(t *testing.T) {
	status := map[string]any{"tasks": []map[string]any{{"id": "t-1", "state": "REQUESTING_DATA", "percent": 42.5}}}
	srv, err := NewServer(ServerConfig{
		Addr:   "127.0.0.1:0",
		Sink:   &mockSink{},
		Hub:    NewHub(discardLogger()),
		Status: func() any { return status },
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"tasks":[{"id":"t-1","state":"REQUESTING_DATA","percent":42.5}]}`, rec.Body.String())

	// Sans source d'état, /status n'existe pas.
	bare, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", Sink: &mockSink{}, Hub: NewHub(discardLogger()), Logger: discardLogger()})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RejectsInvalidCommands(t *testing.T) {
	sink := &mockSink{}
	sink.On("Submit", mock.Anything).Return(assert.AnError).Once()
	conn := startServer(t, sink, NewHub(discardLogger()))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	n := readNotification(t, conn)
	assert.Equal(t, KindRejected, n.Kind)
	assert.Contains(t, n.Reason, "invalid control command")

	require.NoError(t, conn.WriteJSON(Command{Op: "reboot"}))
	n = readNotification(t, conn)
	assert.Equal(t, KindRejected, n.Kind)
	assert.Contains(t, n.Reason, "unknown control operation")

	require.NoError(t, conn.WriteJSON(CancelAll()))
	n = readNotification(t, conn)
	assert.Equal(t, KindRejected, n.Kind)
	assert.Contains(t, n.Reason, assert.AnError.Error())
	sink.AssertExpectations(t)
}
