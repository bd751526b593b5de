package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdis/gateway/pkg/ports"
)

// mockSlackServer mimics the Slack API, recording chat.postMessage calls.
type mockSlackServer struct {
	mu    sync.Mutex
	calls []map[string]string

	server *httptest.Server
	fail   string // non-empty: respond with this Slack error
}

func newMockSlackServer(t *testing.T) *mockSlackServer {
	m := &mockSlackServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", m.handlePostMessage)
	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockSlackServer) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	call := map[string]string{
		"channel": r.FormValue("channel"),
		"text":    r.FormValue("text"),
	}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if m.fail != "" {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": m.fail})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":      true,
		"channel": call["channel"],
		"ts":      "1724500000.000100",
	})
}

func (m *mockSlackServer) Calls() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockSlackServer) apiURL() string {
	return m.server.URL + "/"
}

func TestSlackSender_Send(t *testing.T) {
	mock := newMockSlackServer(t)
	sender := NewSlackSenderWithAPIURL("xoxb-test", "C123", mock.apiURL())

	res, err := sender.Send(context.Background(), ports.SendRequest{
		To:      "ops-room",
		Message: "deploy finished",
	})
	require.NoError(t, err)
	assert.Equal(t, "1724500000.000100", res.MessageID)
	assert.Equal(t, "C123", res.ToJID)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "C123", calls[0]["channel"])
	assert.Equal(t, "deploy finished", calls[0]["text"])
}

func TestSlackSender_ChannelOverride(t *testing.T) {
	mock := newMockSlackServer(t)
	sender := NewSlackSenderWithAPIURL("xoxb-test", "C123", mock.apiURL())

	res, err := sender.Send(context.Background(), ports.SendRequest{
		To:      "#alerts",
		Message: "fire",
	})
	require.NoError(t, err)
	assert.Equal(t, "#alerts", res.ToJID)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "#alerts", calls[0]["channel"])
}

func TestSlackSender_NotLinkedWithoutChannel(t *testing.T) {
	mock := newMockSlackServer(t)
	sender := NewSlackSenderWithAPIURL("xoxb-test", "", mock.apiURL())

	_, err := sender.Send(context.Background(), ports.SendRequest{
		To:      "someone",
		Message: "hi",
	})
	require.ErrorIs(t, err, ports.ErrNotLinked)
	assert.Empty(t, mock.Calls())
}

func TestSlackSender_APIError(t *testing.T) {
	mock := newMockSlackServer(t)
	mock.fail = "channel_not_found"
	sender := NewSlackSenderWithAPIURL("xoxb-test", "C123", mock.apiURL())

	_, err := sender.Send(context.Background(), ports.SendRequest{
		To:      "x",
		Message: "hi",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat.postMessage failed")
}

func TestLoopback_RecordsMessages(t *testing.T) {
	l := NewLoopback()

	res, err := l.Send(context.Background(), ports.SendRequest{To: "me", Message: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, "local:me", res.ToJID)

	msgs := l.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Message)
}
