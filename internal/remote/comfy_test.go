package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/pkg/schema"
)

// fakeBackend is an httptest server speaking the backend's REST and
// websocket protocol. Frames written to push are forwarded to the connected
// client.
type fakeBackend struct {
	t        *testing.T
	server   *httptest.Server
	push     chan any
	prompts  chan map[string]any
	history  map[string]any
	promptID string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:        t,
		push:     make(chan any, 16),
		prompts:  make(chan map[string]any, 16),
		promptID: "prompt-1",
		history:  map[string]any{},
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for frame := range b.push {
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		b.prompts <- body
		json.NewEncoder(w).Encode(map[string]any{"prompt_id": b.promptID})
	})
	mux.HandleFunc("/interrupt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(b.history)
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		close(b.push)
		b.server.Close()
	})
	return b
}

func newTestClient(t *testing.T, b *fakeBackend) *ComfyClient {
	t.Helper()
	client, err := NewComfyClient(Config{BaseURL: b.server.URL, ClientID: "test-client"})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func wsFrameFor(eventType string, data map[string]any) map[string]any {
	return map[string]any{"type": eventType, "data": data}
}

func TestNewComfyClientRejectsBadURL(t *testing.T) {
	_, err := NewComfyClient(Config{BaseURL: "ftp://example.com"})
	require.Error(t, err)

	_, err = NewComfyClient(Config{BaseURL: "://bad"})
	require.Error(t, err)
}

func TestSubmitReturnsPromptID(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)

	id, err := client.Submit(context.Background(), map[string]any{"6": map[string]any{"inputs": map[string]any{}}})
	require.NoError(t, err)
	assert.Equal(t, "prompt-1", id)

	body := <-backend.prompts
	assert.Equal(t, "test-client", body["client_id"])
	assert.Contains(t, body, "prompt")
}

func TestSubmitBackendRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid prompt"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewComfyClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), map[string]any{})
	require.Error(t, err)
	var runErr *schema.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, schema.ErrCodeSubmitFailed, runErr.Code)
}

func TestSubmitMissingPromptID(t *testing.T) {
	backend := newFakeBackend(t)
	backend.promptID = ""
	client := newTestClient(t, backend)

	_, err := client.Submit(context.Background(), map[string]any{})
	require.Error(t, err)
	var runErr *schema.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, schema.ErrCodeSubmitFailed, runErr.Code)
}

func TestConnectIsIdempotent(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StateConnected, client.State())
}

func TestConnectFailure(t *testing.T) {
	client, err := NewComfyClient(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	var runErr *schema.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, schema.ErrCodeConnection, runErr.Code)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestProgressFrameTranslation(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)
	require.NoError(t, client.Connect(context.Background()))

	events, cancel := client.ProgressEvents()
	defer cancel()

	backend.push <- wsFrameFor("progress", map[string]any{
		"value": 5, "max": 20, "prompt_id": "prompt-1",
	})

	select {
	case ev := <-events:
		assert.Equal(t, "prompt-1", ev.ExecutionID)
		assert.Equal(t, 5, ev.CurrentStep)
		assert.Equal(t, 20, ev.TotalSteps)
		assert.False(t, ev.IsComplete)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for progress event")
	}
}

func TestExecutingNullNodeCompletesWithOutputs(t *testing.T) {
	backend := newFakeBackend(t)
	backend.history = map[string]any{
		"prompt-1": map[string]any{
			"outputs": map[string]any{
				"9": map[string]any{
					"images": []any{
						map[string]any{"filename": "img_00001.png", "subfolder": "", "type": "output"},
						map[string]any{"filename": "img_00002.png", "subfolder": "", "type": "output"},
					},
				},
			},
		},
	}
	client := newTestClient(t, backend)
	require.NoError(t, client.Connect(context.Background()))

	events, cancel := client.ProgressEvents()
	defer cancel()

	// A non-null node means one graph node finished, not the whole prompt.
	backend.push <- wsFrameFor("executing", map[string]any{"node": "9", "prompt_id": "prompt-1"})
	backend.push <- wsFrameFor("executing", map[string]any{"node": nil, "prompt_id": "prompt-1"})

	select {
	case ev := <-events:
		assert.True(t, ev.IsComplete)
		assert.Equal(t, "prompt-1", ev.ExecutionID)
		assert.ElementsMatch(t, []string{"img_00001.png", "img_00002.png"}, ev.Outputs)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion event")
	}
}

func TestExecutionErrorFrameTranslation(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)
	require.NoError(t, client.Connect(context.Background()))

	events, cancel := client.ErrorEvents()
	defer cancel()

	backend.push <- wsFrameFor("execution_error", map[string]any{
		"prompt_id": "prompt-1", "node_id": "3", "exception_message": "CUDA out of memory",
	})

	select {
	case ev := <-events:
		assert.Equal(t, "prompt-1", ev.ExecutionID)
		assert.Equal(t, "3", ev.NodeID)
		assert.Equal(t, "CUDA out of memory", ev.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
}

func TestInterrupt(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)
	require.NoError(t, client.Interrupt(context.Background()))
}

func TestExtractOutputs(t *testing.T) {
	client, err := NewComfyClient(Config{BaseURL: "http://127.0.0.1:8188"})
	require.NoError(t, err)

	outputs, err := client.extractOutputs(map[string]any{
		"p1": map[string]any{
			"outputs": map[string]any{
				"9":  map[string]any{"images": []any{map[string]any{"filename": "a.png"}}},
				"12": map[string]any{"images": []any{map[string]any{"filename": "b.png"}, map[string]any{"filename": "a.png"}}},
				"3":  map[string]any{"latents": []any{}},
			},
		},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.png", "b.png"}, outputs)

	outputs, err = client.extractOutputs(map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, outputs)
}

func TestFanout(t *testing.T) {
	f := newFanout[int]()

	ch1, cancel1 := f.subscribe()
	ch2, cancel2 := f.subscribe()
	defer cancel2()

	f.publish(1)
	assert.Equal(t, 1, <-ch1)
	assert.Equal(t, 1, <-ch2)

	cancel1()
	f.publish(2)
	assert.Equal(t, 2, <-ch2)
	_, open := <-ch1
	assert.False(t, open)

	f.closeAll()
	_, open = <-ch2
	assert.False(t, open)

	ch3, cancel3 := f.subscribe()
	defer cancel3()
	_, open = <-ch3
	assert.False(t, open)
}
