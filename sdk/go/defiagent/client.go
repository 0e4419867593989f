package defiagent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streaming calls override it with no timeout.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the DeFiAgent Chain REST API.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	streamClient *http.Client
}

// ChatResult is the final outcome of a synchronous chat turn.
type ChatResult struct {
	Response       string `json:"response"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Steps          int    `json:"steps"`
}

// Chunk is a single element of a streaming chat response.
type Chunk struct {
	Type           string `json:"type"`
	Content        string `json:"content"`
	ToolName       string `json:"tool_name,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id"`
}

// AutoChatEvent is a single iteration result of an auto-chat loop.
type AutoChatEvent struct {
	Response       string                        `json:"response"`
	MessageID      string                        `json:"message_id"`
	ConversationID string                        `json:"conversation_id"`
	Iteration      int                           `json:"iteration"`
	Strategy       string                        `json:"strategy"`
	MarketData     map[string]map[string]float64 `json:"market_data,omitempty"`
	Error          string                        `json:"error,omitempty"`
}

// ActionDescription describes a tool the agent can execute.
type ActionDescription struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ActionRecord is the audit record of a single executed action.
type ActionRecord struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	ActionType   string         `json:"action_type"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Message is a persisted conversation message.
type Message struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	CreatedAt      time.Time      `json:"created_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("defiagent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the DeFiAgent Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	// Streaming responses stay open until the loop finishes; rely on the
	// request context for cancellation instead of a client timeout.
	streamClient := &http.Client{Transport: httpClient.Transport}
	return &Client{baseURL: parsed, httpClient: httpClient, streamClient: streamClient}, nil
}

// ExecuteAction runs a single agent action and returns its result payload.
func (c *Client) ExecuteAction(ctx context.Context, agentID, actionType string, params map[string]any) (map[string]any, error) {
	payload := map[string]any{"action_type": actionType, "parameters": params}
	var out struct {
		Status string         `json:"status"`
		Result map[string]any `json:"result"`
	}
	endpoint := fmt.Sprintf("/api/v1/agents/%s/actions", url.PathEscape(agentID))
	if err := c.post(ctx, endpoint, payload, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// ListActions fetches the most recent action records for an agent.
func (c *Client) ListActions(ctx context.Context, agentID string, limit int) ([]ActionRecord, error) {
	endpoint := fmt.Sprintf("/api/v1/agents/%s/actions", url.PathEscape(agentID))
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Actions []ActionRecord `json:"actions"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// AvailableActions lists the tools the agent can execute.
func (c *Client) AvailableActions(ctx context.Context, agentID string) ([]ActionDescription, error) {
	endpoint := fmt.Sprintf("/api/v1/agents/%s/available-actions", url.PathEscape(agentID))
	var out struct {
		Actions []ActionDescription `json:"actions"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// Chat runs a synchronous chat turn and returns the final response.
func (c *Client) Chat(ctx context.Context, agentID, message, conversationID string) (ChatResult, error) {
	payload := map[string]any{"message": message, "conversation_id": conversationID}
	var result ChatResult
	endpoint := fmt.Sprintf("/api/v1/agents/%s/chat", url.PathEscape(agentID))
	if err := c.post(ctx, endpoint, payload, &result); err != nil {
		return ChatResult{}, err
	}
	return result, nil
}

// ChatStream runs a streaming chat turn, invoking fn for every chunk. A non-nil
// error from fn stops the stream and is returned to the caller.
func (c *Client) ChatStream(ctx context.Context, agentID, message, conversationID string, fn func(Chunk) error) error {
	payload := map[string]any{"message": message, "conversation_id": conversationID}
	endpoint := fmt.Sprintf("/api/v1/agents/%s/chat/stream", url.PathEscape(agentID))
	return stream(c, ctx, endpoint, payload, fn)
}

// AutoChat starts an auto-chat loop and invokes fn for every iteration event.
// The loop runs until the server stops it or ctx is cancelled.
func (c *Client) AutoChat(ctx context.Context, agentID, message, strategy string, intervalSeconds int, conversationID string, fn func(AutoChatEvent) error) error {
	payload := map[string]any{
		"message":          message,
		"strategy":         strategy,
		"interval_seconds": intervalSeconds,
		"conversation_id":  conversationID,
	}
	endpoint := fmt.Sprintf("/api/v1/agents/%s/auto-chat", url.PathEscape(agentID))
	return stream(c, ctx, endpoint, payload, fn)
}

// Messages fetches a conversation's messages in chronological order.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	endpoint := fmt.Sprintf("/api/v1/conversations/%s/messages", url.PathEscape(conversationID))
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func stream[T any](c *Client, ctx context.Context, endpoint string, payload any, fn func(T) error) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var element T
		if err := json.Unmarshal(line, &element); err != nil {
			return fmt.Errorf("decode stream element: %w", err)
		}
		if err := fn(element); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
