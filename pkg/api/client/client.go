package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client provides typed access to the glimpse API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	adminToken string
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAdminToken sets the operator token used for privileged endpoints.
func WithAdminToken(token string) Option {
	return func(c *Client) {
		c.adminToken = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4600"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, admin bool, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if admin && c.adminToken != "" {
		req.Header.Set("X-Admin-Token", c.adminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Project mirrors the summary payload emitted by the API.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	URL       string    `json:"url"`
	IsRunning bool      `json:"isRunning"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Upload creates a project from a zip archive on disk. An empty name
// defaults to the archive's base filename.
func (c *Client) Upload(ctx context.Context, name, archivePath string) (Project, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return Project{}, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if strings.TrimSpace(name) == "" {
		name = strings.TrimSuffix(filepath.Base(archivePath), ".zip")
	}
	if err := form.WriteField("name", name); err != nil {
		return Project{}, fmt.Errorf("encode form: %w", err)
	}
	part, err := form.CreateFormFile("archive", filepath.Base(archivePath))
	if err != nil {
		return Project{}, fmt.Errorf("encode form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return Project{}, fmt.Errorf("read archive: %w", err)
	}
	if err := form.Close(); err != nil {
		return Project{}, fmt.Errorf("encode form: %w", err)
	}

	var project Project
	if err := c.do(ctx, http.MethodPost, "/projects", &body, form.FormDataContentType(), false, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// ListProjects returns all registered projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, "", false, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches one project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	path := "/projects/" + url.PathEscape(projectID)
	if err := c.do(ctx, http.MethodGet, path, nil, "", false, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// DeleteProject removes a project and all its state.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	path := "/projects/" + url.PathEscape(projectID)
	return c.do(ctx, http.MethodDelete, path, nil, "", false, nil)
}

// StartProject launches the project's preview instance.
func (c *Client) StartProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	path := "/projects/" + url.PathEscape(projectID) + "/start"
	if err := c.do(ctx, http.MethodPost, path, nil, "", false, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// StopProject tears the project's preview instance down.
func (c *Client) StopProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	path := "/projects/" + url.PathEscape(projectID) + "/stop"
	if err := c.do(ctx, http.MethodPost, path, nil, "", false, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// Event models one audit entry for a project.
type Event struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	EventType  string          `json:"event_type"`
	Level      string          `json:"level"`
	Message    string          `json:"message"`
	Metadata   json.RawMessage `json:"metadata"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// ProjectLogs bundles the retained build output with the event history.
type ProjectLogs struct {
	BuildLog   []string `json:"buildLog"`
	BuildError string   `json:"buildError"`
	Events     []Event  `json:"events"`
}

// FetchLogs returns build output and recent events for the project.
func (c *Client) FetchLogs(ctx context.Context, projectID string, limit int) (ProjectLogs, error) {
	path := "/projects/" + url.PathEscape(projectID) + "/logs"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var logs ProjectLogs
	if err := c.do(ctx, http.MethodGet, path, nil, "", false, &logs); err != nil {
		return ProjectLogs{}, err
	}
	return logs, nil
}

// Sweep triggers an immediate expiration pass. Requires the admin token.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	var result struct {
		Reclaimed int `json:"reclaimed"`
	}
	if err := c.do(ctx, http.MethodPost, "/sweep", nil, "", true, &result); err != nil {
		return 0, err
	}
	return result.Reclaimed, nil
}

// Health reports the daemon's health payload.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var payload map[string]any
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, "", false, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
