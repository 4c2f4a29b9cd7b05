package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/seantiz/canvas/internal/apperrors"
	"github.com/seantiz/canvas/internal/model"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 64 << 20

const clientAgent = "canvas:1.0:https://github.com/seantiz/canvas"

// Credentials locate and authenticate against the queue service.
type Credentials struct {
	ServerURL string
	APIKey    string
}

// CheckStatus is the reply of a status check.
type CheckStatus struct {
	Done          bool
	Faulted       bool
	IsPossible    bool
	QueuePosition int
	WaitTime      int
	Processing    int
	Waiting       int
}

// Result is a finished generation.
type Result struct {
	Image []byte
	Seed  string
}

// Client talks to a queue-based generation service.
type Client struct {
	http *http.Client
}

// NewClient creates a Client. A nil httpClient uses a client with a 30s timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient}
}

type submitParams struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Steps       int     `json:"steps"`
	CFGScale    float64 `json:"cfg_scale"`
	SamplerName string  `json:"sampler_name,omitempty"`
	Seed        string  `json:"seed,omitempty"`
	N           int     `json:"n"`
}

type submitBody struct {
	Prompt string       `json:"prompt"`
	Params submitParams `json:"params"`
	R2     bool         `json:"r2"`
}

// Submit enqueues req and returns the service's job id.
func (c *Client) Submit(ctx context.Context, creds Credentials, req model.GenerationRequest) (string, error) {
	prompt := req.Prompt
	if req.NegativePrompt != "" {
		// The service separates the negative prompt with "###".
		prompt += " ### " + req.NegativePrompt
	}
	body, err := json.Marshal(submitBody{
		Prompt: prompt,
		Params: submitParams{
			Width:       req.Geometry.Width,
			Height:      req.Geometry.Height,
			Steps:       req.Steps,
			CFGScale:    req.CFGScale,
			SamplerName: req.Sampler,
			Seed:        req.Seed,
			N:           model.ClampBatch(req.BatchCount),
		},
	})
	if err != nil {
		return "", apperrors.Terminal("remote.submit", err)
	}

	data, err := c.do(ctx, "remote.submit", http.MethodPost, creds, "/v2/generate/async", body)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(data, "id").String()
	if id == "" {
		return "", apperrors.Terminal("remote.submit", fmt.Errorf("response carries no job id"))
	}
	return id, nil
}

// Check reports the queue status of a submitted job.
func (c *Client) Check(ctx context.Context, creds Credentials, id string) (CheckStatus, error) {
	data, err := c.do(ctx, "remote.check", http.MethodGet, creds, "/v2/generate/check/"+id, nil)
	if err != nil {
		return CheckStatus{}, err
	}
	r := gjson.ParseBytes(data)
	possible := r.Get("is_possible")
	return CheckStatus{
		Done:          r.Get("done").Bool(),
		Faulted:       r.Get("faulted").Bool(),
		IsPossible:    !possible.Exists() || possible.Bool(),
		QueuePosition: int(r.Get("queue_position").Int()),
		WaitTime:      int(r.Get("wait_time").Int()),
		Processing:    int(r.Get("processing").Int()),
		Waiting:       int(r.Get("waiting").Int()),
	}, nil
}

// Fetch downloads the first generation of a finished job.
func (c *Client) Fetch(ctx context.Context, creds Credentials, id string) (Result, error) {
	data, err := c.do(ctx, "remote.fetch", http.MethodGet, creds, "/v2/generate/status/"+id, nil)
	if err != nil {
		return Result{}, err
	}
	gen := gjson.GetBytes(data, "generations.0")
	if !gen.Exists() {
		return Result{}, apperrors.Terminal("remote.fetch", fmt.Errorf("job %s finished without generations", id))
	}
	img, err := base64.StdEncoding.DecodeString(gen.Get("img").String())
	if err != nil {
		return Result{}, apperrors.Terminal("remote.fetch", fmt.Errorf("decode image: %w", err))
	}
	return Result{Image: img, Seed: gen.Get("seed").String()}, nil
}

// do performs one request and classifies failures. Network errors, 429 and
// 5xx are transient; every other non-2xx status is terminal.
func (c *Client) do(ctx context.Context, op, method string, creds Credentials, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	url := strings.TrimRight(creds.ServerURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, apperrors.Terminal(op, err)
	}
	req.Header.Set("apikey", creds.APIKey)
	req.Header.Set("Client-Agent", clientAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, apperrors.Transient(op, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	msg := gjson.GetBytes(data, "message").String()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, apperrors.Transient(op, statusErr)
	}
	return nil, apperrors.Terminal(op, statusErr)
}
