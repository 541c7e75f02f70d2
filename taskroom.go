// Package taskroom provides the official Go SDK for the TaskRoom API.
//
// Covers the REST API (auth, tasks, projects) and the realtime project-room
// channel used for live multi-session synchronization.
//
// Example:
//
//	client := taskroom.NewClient(token)
//
//	// REST API
//	res, _ := client.Tasks().Create(ctx, &taskroom.NewTaskInput{...})
//
//	// Realtime session (room membership + task reconciliation)
//	session := client.NewSession(token, nil)
//	session.Connect(ctx)
//	session.JoinProject(ctx, 42)
package taskroom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
)

var environments = map[Environment]string{
	Production: "https://taskroom.app",
}

const (
	DefaultBaseURL = "https://taskroom.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the TaskRoom REST client. It is the external collaborator for
// the realtime session: all persistence goes through it, while push events
// flow through the realtime channel.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	auth     *AuthClient
	tasks    *TasksClient
	projects *ProjectsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger attaches a structured logger. The default is a no-op logger so
// the SDK stays silent unless the embedding application opts in.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new TaskRoom client.
// token is optional — pass "" for unauthenticated calls such as Login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.auth = &AuthClient{client: c}
	c.tasks = &TasksClient{client: c}
	c.projects = &ProjectsClient{client: c}
	return c
}

// SetToken sets or updates the bearer token, e.g. after Login.
// Realtime sessions hold their own token; see Session.SetToken for the
// teardown-and-replace semantics of a credential change.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Auth returns the authentication sub-client.
func (c *Client) Auth() *AuthClient { return c.auth }

// Tasks returns the tasks sub-client.
func (c *Client) Tasks() *TasksClient { return c.tasks }

// Projects returns the projects sub-client.
func (c *Client) Projects() *ProjectsClient { return c.projects }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string, headers map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response (HTTP %d): %w", resp.StatusCode, err)
	}
	result.Status = resp.StatusCode
	if result.Error != nil {
		result.Error.Status = resp.StatusCode
	}
	return &result, nil
}

// Do issues a raw API request and returns the decoded envelope. It exists
// for callers that replay recorded operations (see Outbox) and as an escape
// hatch for endpoints the typed sub-clients do not cover.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (*Result, error) {
	return c.doRequest(ctx, method, path, body, nil, nil)
}

// ============================================================================
// Auth Sub-Client
// ============================================================================

// AuthClient handles login, registration, and identity.
type AuthClient struct{ client *Client }

// Login exchanges credentials for a bearer token. Token issuance itself is
// server-side; the SDK only transports the credential.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*Result, error) {
	return a.client.doRequest(ctx, "POST", "/api/auth/login",
		map[string]string{"email": email, "password": password}, nil, nil)
}

// Register creates an account and returns the same payload as Login.
func (a *AuthClient) Register(ctx context.Context, username, email, password string) (*Result, error) {
	return a.client.doRequest(ctx, "POST", "/api/auth/register",
		map[string]string{"username": username, "email": email, "password": password}, nil, nil)
}

// Me returns the authenticated user.
func (a *AuthClient) Me(ctx context.Context) (*Result, error) {
	return a.client.doRequest(ctx, "GET", "/api/auth/me", nil, nil, nil)
}

// ============================================================================
// Tasks Sub-Client
// ============================================================================

// TasksClient handles task CRUD. Mutating calls are never auto-retried:
// a 404 means the record is gone, a 409 means a conflicting reference —
// both are surfaced to the caller, who decides whether to retry.
type TasksClient struct{ client *Client }

func taskListQuery(opts *TaskListOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.ProjectID != nil {
		q["project_id"] = strconv.Itoa(*opts.ProjectID)
	}
	if opts.Completed != nil {
		q["completed"] = strconv.FormatBool(*opts.Completed)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

func (t *TasksClient) List(ctx context.Context, opts *TaskListOptions) (*Result, error) {
	return t.client.doRequest(ctx, "GET", "/api/tasks", nil, taskListQuery(opts), nil)
}

func (t *TasksClient) Get(ctx context.Context, id int) (*Result, error) {
	return t.client.doRequest(ctx, "GET", "/api/tasks/"+strconv.Itoa(id), nil, nil, nil)
}

func (t *TasksClient) Create(ctx context.Context, input *NewTaskInput) (*Result, error) {
	if input == nil {
		return nil, fmt.Errorf("input is required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	return t.client.doRequest(ctx, "POST", "/api/tasks", input, nil, nil)
}

func (t *TasksClient) Update(ctx context.Context, id int, patch *TaskPatch) (*Result, error) {
	if patch == nil {
		return nil, fmt.Errorf("patch is required")
	}
	return t.client.doRequest(ctx, "PUT", "/api/tasks/"+strconv.Itoa(id), patch, nil, nil)
}

func (t *TasksClient) Delete(ctx context.Context, id int) (*Result, error) {
	return t.client.doRequest(ctx, "DELETE", "/api/tasks/"+strconv.Itoa(id), nil, nil, nil)
}

// ============================================================================
// Projects Sub-Client
// ============================================================================

// ProjectsClient handles project CRUD.
type ProjectsClient struct{ client *Client }

func (p *ProjectsClient) List(ctx context.Context) (*Result, error) {
	return p.client.doRequest(ctx, "GET", "/api/projects", nil, nil, nil)
}

func (p *ProjectsClient) Get(ctx context.Context, id int) (*Result, error) {
	return p.client.doRequest(ctx, "GET", "/api/projects/"+strconv.Itoa(id), nil, nil, nil)
}

func (p *ProjectsClient) Create(ctx context.Context, input *NewProjectInput) (*Result, error) {
	if input == nil || strings.TrimSpace(input.Name) == "" {
		return nil, fmt.Errorf("project name is required")
	}
	return p.client.doRequest(ctx, "POST", "/api/projects", input, nil, nil)
}

func (p *ProjectsClient) Update(ctx context.Context, id int, input *NewProjectInput) (*Result, error) {
	return p.client.doRequest(ctx, "PUT", "/api/projects/"+strconv.Itoa(id), input, nil, nil)
}

func (p *ProjectsClient) Delete(ctx context.Context, id int) (*Result, error) {
	return p.client.doRequest(ctx, "DELETE", "/api/projects/"+strconv.Itoa(id), nil, nil, nil)
}

// ============================================================================
// Realtime factory
// ============================================================================

// WSURL returns the WebSocket endpoint for the given token.
func (c *Client) WSURL(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/realtime/ws?token=" + url.QueryEscape(token)
	}
	return base + "/realtime/ws"
}

// SSEURL returns the fallback streaming endpoint for the given token.
func (c *Client) SSEURL(token string) string {
	if token != "" {
		return c.baseURL + "/realtime/sse?token=" + url.QueryEscape(token)
	}
	return c.baseURL + "/realtime/sse"
}

// NewRealtime creates a realtime client bound to this API client's base URL.
// Call Connect to establish the connection.
func (c *Client) NewRealtime(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = c.httpClient
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	return newRealtimeClient(c, &cfg)
}

// NewSession creates a session coordinator: one realtime connection per
// token, a reconciled task list, and callback registration for push events.
func (c *Client) NewSession(token string, config *RealtimeConfig) *Session {
	return newSession(c, token, config)
}
