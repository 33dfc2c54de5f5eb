// Package slskd talks to a slskd daemon over its REST API. It implements the
// search and transfer capabilities the pipeline depends on.
package slskd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"resonance/internal/backend"
	"resonance/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const apiPrefix = "/api/v0"

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("slskd %s %s: HTTP %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("slskd %s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 from slskd.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Client is a slskd REST client.
type Client struct {
	cfg  Config
	base string
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Client{cfg: cfg, base: strings.TrimRight(cfg.BaseURL, "/") + apiPrefix}
}

type searchRequest struct {
	ID                       string `json:"id"`
	SearchText               string `json:"searchText"`
	SearchTimeout            int64  `json:"searchTimeout,omitempty"`
	FilterResponses          bool   `json:"filterResponses"`
	MinimumResponseFileCount int    `json:"minimumResponseFileCount,omitempty"`
}

type searchStatus struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	IsComplete bool   `json:"isComplete"`
}

func (c *Client) Search(ctx context.Context, query string, timeout time.Duration, minFiles int) (string, error) {
	req := searchRequest{
		ID:                       uuid.NewString(),
		SearchText:               query,
		SearchTimeout:            timeout.Milliseconds(),
		FilterResponses:          true,
		MinimumResponseFileCount: minFiles,
	}
	var status searchStatus
	if err := c.do(ctx, http.MethodPost, "/searches", req, &status); err != nil {
		return "", fmt.Errorf("start search: %w", err)
	}
	if status.ID == "" {
		status.ID = req.ID
	}
	c.cfg.Logger.Debugf("slskd search %s started for %q", status.ID, query)
	return status.ID, nil
}

func (c *Client) SearchState(ctx context.Context, searchID string) (domain.SearchState, error) {
	var status searchStatus
	err := c.do(ctx, http.MethodGet, "/searches/"+url.PathEscape(searchID), nil, &status)
	if IsNotFound(err) {
		return domain.SearchStateUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("get search state: %w", err)
	}
	return ParseSearchState(status.State, status.IsComplete), nil
}

// ParseSearchState maps a slskd search state such as "Completed, TimedOut"
// onto the pipeline's search states. Cancelled and errored searches are
// reported as cancelled; every other completion counts as completed.
func ParseSearchState(state string, complete bool) domain.SearchState {
	head, kind, _ := strings.Cut(state, ",")
	head = strings.TrimSpace(head)
	kind = strings.TrimSpace(kind)
	switch {
	case head == "Completed" || (head == "" && complete):
		if kind == "Cancelled" || kind == "Errored" {
			return domain.SearchStateCancelled
		}
		return domain.SearchStateCompleted
	default:
		return domain.SearchStateInProgress
	}
}

func (c *Client) SearchResponses(ctx context.Context, searchID string) ([]domain.SearchResponse, error) {
	var responses []domain.SearchResponse
	if err := c.do(ctx, http.MethodGet, "/searches/"+url.PathEscape(searchID)+"/responses", nil, &responses); err != nil {
		return nil, fmt.Errorf("get search responses: %w", err)
	}
	return responses, nil
}

// DeleteSearch removes a search. A search that no longer exists is not an error.
func (c *Client) DeleteSearch(ctx context.Context, searchID string) error {
	err := c.do(ctx, http.MethodDelete, "/searches/"+url.PathEscape(searchID), nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete search: %w", err)
	}
	return nil
}

type enqueueFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type transfer struct {
	ID               string `json:"id"`
	Filename         string `json:"filename"`
	State            string `json:"state"`
	Size             int64  `json:"size"`
	BytesTransferred int64  `json:"bytesTransferred"`
}

func (t transfer) toDomain() domain.TransferState {
	return domain.TransferState{
		ID:               t.ID,
		Filename:         t.Filename,
		State:            t.State,
		Size:             t.Size,
		BytesTransferred: t.BytesTransferred,
	}
}

type enqueueResponse struct {
	Enqueued []transfer           `json:"enqueued"`
	Failed   []jsoniter.RawMessage `json:"failed"`
}

// Enqueue requests downloads of files from username. Older slskd versions
// answer with an empty body, which means every file was accepted.
func (c *Client) Enqueue(ctx context.Context, username string, files []domain.SearchFile) (*domain.EnqueueResult, error) {
	body := make([]enqueueFile, len(files))
	for i, f := range files {
		body[i] = enqueueFile{Filename: f.Filename, Size: f.Size}
	}

	raw, err := c.send(ctx, http.MethodPost, "/transfers/downloads/"+url.PathEscape(username), body)
	if err != nil {
		return nil, fmt.Errorf("enqueue downloads: %w", err)
	}

	result := &domain.EnqueueResult{}
	if len(bytes.TrimSpace(raw)) == 0 {
		for _, f := range files {
			result.Enqueued = append(result.Enqueued, domain.TransferState{Filename: f.Filename, Size: f.Size})
		}
		return result, nil
	}

	var resp enqueueResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode enqueue response: %w", err)
	}
	for _, t := range resp.Enqueued {
		result.Enqueued = append(result.Enqueued, t.toDomain())
	}
	for _, f := range resp.Failed {
		result.Failed = append(result.Failed, failedFilename(f))
	}
	return result, nil
}

// failedFilename accepts either a bare filename or a transfer object.
func failedFilename(raw jsoniter.RawMessage) string {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var t transfer
	if err := json.Unmarshal(raw, &t); err == nil && t.Filename != "" {
		return t.Filename
	}
	return string(raw)
}

type userTransfers struct {
	Username    string `json:"username"`
	Directories []struct {
		Directory string     `json:"directory"`
		Files     []transfer `json:"files"`
	} `json:"directories"`
}

func (c *Client) Downloads(ctx context.Context) ([]domain.PeerTransfers, error) {
	var users []userTransfers
	if err := c.do(ctx, http.MethodGet, "/transfers/downloads", nil, &users); err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	peers := make([]domain.PeerTransfers, 0, len(users))
	for _, u := range users {
		p := domain.PeerTransfers{Username: u.Username}
		for _, d := range u.Directories {
			dir := domain.TransferDirectory{Directory: d.Directory}
			for _, f := range d.Files {
				dir.Files = append(dir.Files, f.toDomain())
			}
			p.Directories = append(p.Directories, dir)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	raw, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: msg}
	}
	return data, nil
}

var _ backend.SearchBackend = (*Client)(nil)
