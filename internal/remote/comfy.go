package remote

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/itchyny/gojq"

	"github.com/rendis/graphrun/pkg/schema"
)

const defaultHTTPTimeout = 30 * time.Second

// historyOutputsQuery extracts every generated image filename from a
// backend history response, whatever node produced it.
const historyOutputsQuery = `[.[] | .outputs[]? | .images[]? | .filename] | unique`

// Config configures a ComfyClient.
type Config struct {
	// BaseURL is the backend's HTTP address, e.g. http://127.0.0.1:8188.
	BaseURL string
	// ClientID identifies this client on the push stream. Generated when
	// empty.
	ClientID string
	// HTTPTimeout bounds individual HTTP requests.
	HTTPTimeout time.Duration
	Logger      *slog.Logger
}

// ComfyClient talks to a ComfyUI-compatible backend: REST for submission and
// control, a websocket for push progress events.
type ComfyClient struct {
	baseURL  *url.URL
	clientID string
	http     *http.Client
	logger   *slog.Logger

	mu         sync.Mutex
	state      ConnectionState
	conn       *websocket.Conn
	cancelRead context.CancelFunc
	readDone   chan struct{}

	progress    *fanout[schema.ProgressEvent]
	execErrors  *fanout[schema.ExecErrorEvent]
	outputQuery *gojq.Query
}

var _ QueueClient = (*ComfyClient)(nil)

// NewComfyClient creates a client for the given backend address. No network
// traffic happens until Connect.
func NewComfyClient(cfg Config) (*ComfyClient, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid backend url %q: %s", cfg.BaseURL, err.Error()).WithCause(err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "backend url %q must use http or https", cfg.BaseURL)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	query, err := gojq.Parse(historyOutputsQuery)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse history query: %s", err.Error()).WithCause(err)
	}

	return &ComfyClient{
		baseURL:     base,
		clientID:    clientID,
		http:        &http.Client{Timeout: timeout},
		logger:      logger,
		progress:    newFanout[schema.ProgressEvent](),
		execErrors:  newFanout[schema.ExecErrorEvent](),
		outputQuery: query,
	}, nil
}

// Connect dials the websocket push stream and starts the read loop.
func (c *ComfyClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		return nil
	}
	c.state = StateConnecting

	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws"
	wsURL.RawQuery = url.Values{"clientId": {c.clientID}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.state = StateDisconnected
		return schema.NewErrorf(schema.ErrCodeConnection, "dial %s: %s", wsURL.String(), err.Error()).WithCause(err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelRead = cancel
	c.readDone = make(chan struct{})
	c.state = StateConnected

	go c.readLoop(readCtx, conn, c.readDone)
	c.logger.InfoContext(ctx, "connected to backend", "url", wsURL.String(), "client_id", c.clientID)
	return nil
}

// State reports the current connection state.
func (c *ComfyClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Submit queues the payload and returns the backend-assigned execution id.
func (c *ComfyClient) Submit(ctx context.Context, payload map[string]any) (string, error) {
	body := map[string]any{
		"prompt":    payload,
		"client_id": c.clientID,
	}

	var result struct {
		PromptID   string         `json:"prompt_id"`
		NodeErrors map[string]any `json:"node_errors"`
	}
	if err := c.postJSON(ctx, "/prompt", body, &result); err != nil {
		return "", err
	}
	if result.PromptID == "" {
		return "", schema.NewError(schema.ErrCodeSubmitFailed, "backend accepted prompt but returned no id").
			WithDetails(map[string]any{"node_errors": result.NodeErrors})
	}
	return result.PromptID, nil
}

// Interrupt asks the backend to abort the currently running execution.
func (c *ComfyClient) Interrupt(ctx context.Context) error {
	return c.postJSON(ctx, "/interrupt", nil, nil)
}

// ProgressEvents returns a subscription to progress notifications.
func (c *ComfyClient) ProgressEvents() (<-chan schema.ProgressEvent, func()) {
	return c.progress.subscribe()
}

// ErrorEvents returns a subscription to remote execution failures.
func (c *ComfyClient) ErrorEvents() (<-chan schema.ExecErrorEvent, func()) {
	return c.execErrors.subscribe()
}

// Close tears down the websocket and all event subscriptions.
func (c *ComfyClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancelRead
	done := c.readDone
	c.conn = nil
	c.cancelRead = nil
	c.readDone = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.progress.closeAll()
	c.execErrors.closeAll()
	return err
}

// wsFrame is the envelope of every push message on the websocket.
type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *ComfyClient) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("websocket read failed", "error", err)
				c.markDisconnected(conn)
			}
			return
		}
		// Binary frames carry preview images; only text frames are events.
		if msgType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("undecodable websocket frame", "error", err)
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *ComfyClient) dispatch(ctx context.Context, frame wsFrame) {
	switch frame.Type {
	case "progress":
		var data struct {
			Value    int    `json:"value"`
			Max      int    `json:"max"`
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.logger.Warn("undecodable progress frame", "error", err)
			return
		}
		c.progress.publish(schema.ProgressEvent{
			ExecutionID: data.PromptID,
			CurrentStep: data.Value,
			TotalSteps:  data.Max,
		})

	case "executing":
		var data struct {
			Node     *string `json:"node"`
			PromptID string  `json:"prompt_id"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.logger.Warn("undecodable executing frame", "error", err)
			return
		}
		// A null node means the whole prompt finished; outputs live in the
		// history endpoint, not the frame.
		if data.Node != nil || data.PromptID == "" {
			return
		}
		outputs, err := c.fetchOutputs(ctx, data.PromptID)
		if err != nil {
			c.logger.Warn("fetch execution outputs", "execution_id", data.PromptID, "error", err)
		}
		c.progress.publish(schema.ProgressEvent{
			ExecutionID: data.PromptID,
			IsComplete:  true,
			Outputs:     outputs,
		})

	case "execution_error":
		var data struct {
			PromptID         string `json:"prompt_id"`
			NodeID           string `json:"node_id"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.logger.Warn("undecodable execution_error frame", "error", err)
			return
		}
		c.execErrors.publish(schema.ExecErrorEvent{
			ExecutionID: data.PromptID,
			NodeID:      data.NodeID,
			Message:     data.ExceptionMessage,
		})

	case "execution_interrupted":
		var data struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return
		}
		c.logger.Info("execution interrupted by backend", "execution_id", data.PromptID)
	}
}

// fetchOutputs queries the history endpoint for a finished execution and
// extracts the generated image filenames.
func (c *ComfyClient) fetchOutputs(ctx context.Context, executionID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/history/"+executionID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConnection, "fetch history: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeConnection, "history request returned %d", resp.StatusCode)
	}

	var history any
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode history: %s", err.Error()).WithCause(err)
	}
	return c.extractOutputs(history)
}

func (c *ComfyClient) extractOutputs(history any) ([]string, error) {
	iter := c.outputQuery.Run(history)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "extract outputs: %s", err.Error()).WithCause(err)
	}

	raw, ok := v.([]any)
	if !ok {
		return nil, nil
	}
	outputs := make([]string, 0, len(raw))
	for _, item := range raw {
		if name, ok := item.(string); ok && name != "" {
			outputs = append(outputs, name)
		}
	}
	return outputs, nil
}

func (c *ComfyClient) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeSubmitFailed, "encode request: %s", err.Error()).WithCause(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConnection, "POST %s: %s", path, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return schema.NewErrorf(schema.ErrCodeSubmitFailed, "POST %s returned %d: %s", path, resp.StatusCode, string(detail))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return schema.NewErrorf(schema.ErrCodeSubmitFailed, "decode response: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (c *ComfyClient) endpoint(path string) string {
	u := *c.baseURL
	u.Path = path
	return u.String()
}

// markDisconnected flips the state after a read failure, but only when the
// failed connection is still the current one.
func (c *ComfyClient) markDisconnected(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.state = StateDisconnected
		c.conn = nil
	}
}
