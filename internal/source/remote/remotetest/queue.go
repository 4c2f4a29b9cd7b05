// Package remotetest provides an in-memory queue service that speaks the
// remote source's HTTP protocol, for tests and local development.
package remotetest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
)

// DefaultMaxPixels is the largest width*height any simulated worker accepts.
const DefaultMaxPixels = 1024 * 1024

// Queue simulates the queue service. Every job spends Waiting checks queued
// and Processing checks processing before it reports done.
type Queue struct {
	Waiting    int
	Processing int
	MaxPixels  int
	// Image renders the result of a job. Nil yields a fixed payload.
	Image func(prompt string, width, height int, seed string) []byte

	mu     sync.Mutex
	jobs   map[string]*queuedJob
	nextID int
}

type queuedJob struct {
	prompt string
	width  int
	height int
	seed   string
	checks int
}

// NewQueue creates a queue whose jobs finish after waiting+processing checks.
func NewQueue(waiting, processing int) *Queue {
	return &Queue{
		Waiting:    waiting,
		Processing: processing,
		MaxPixels:  DefaultMaxPixels,
		jobs:       make(map[string]*queuedJob),
	}
}

// Handler returns the HTTP handler serving the /v2/generate endpoints.
func (q *Queue) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requireAPIKey)
	r.Post("/v2/generate/async", q.handleSubmit)
	r.Get("/v2/generate/check/{id}", q.handleCheck)
	r.Get("/v2/generate/status/{id}", q.handleStatus)
	return r
}

// Len returns the number of submitted jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "No API key provided"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (q *Queue) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Input payload validation failed"})
		return
	}
	req := gjson.ParseBytes(body)
	if req.Get("prompt").String() == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "prompt is required"})
		return
	}

	q.mu.Lock()
	q.nextID++
	id := "q-" + strconv.Itoa(q.nextID)
	q.jobs[id] = &queuedJob{
		prompt: req.Get("prompt").String(),
		width:  int(req.Get("params.width").Int()),
		height: int(req.Get("params.height").Int()),
		seed:   req.Get("params.seed").String(),
	}
	q.mu.Unlock()

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

type checkResponse struct {
	Done          bool `json:"done"`
	Faulted       bool `json:"faulted"`
	IsPossible    bool `json:"is_possible"`
	QueuePosition int  `json:"queue_position"`
	WaitTime      int  `json:"wait_time"`
	Processing    int  `json:"processing"`
	Waiting       int  `json:"waiting"`
	Finished      int  `json:"finished"`
}

func (q *Queue) handleCheck(w http.ResponseWriter, r *http.Request) {
	q.mu.Lock()
	j, ok := q.jobs[chi.URLParam(r, "id")]
	if !ok {
		q.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "request not found"})
		return
	}
	j.checks++
	resp := q.status(j)
	q.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// status must be called with mu held.
func (q *Queue) status(j *queuedJob) checkResponse {
	if q.MaxPixels > 0 && j.width*j.height > q.MaxPixels {
		return checkResponse{IsPossible: false, Waiting: 1}
	}
	switch {
	case j.checks <= q.Waiting:
		left := q.Waiting - j.checks + 1
		return checkResponse{IsPossible: true, Waiting: 1, QueuePosition: left, WaitTime: left * 2}
	case j.checks <= q.Waiting+q.Processing:
		return checkResponse{IsPossible: true, Processing: 1, WaitTime: 1}
	default:
		return checkResponse{IsPossible: true, Done: true, Finished: 1}
	}
}

func (q *Queue) handleStatus(w http.ResponseWriter, r *http.Request) {
	q.mu.Lock()
	j, ok := q.jobs[chi.URLParam(r, "id")]
	var done bool
	if ok {
		done = q.status(j).Done
	}
	q.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "request not found"})
		return
	}
	if !done {
		writeJSON(w, http.StatusOK, map[string]any{"done": false, "generations": []any{}})
		return
	}

	seed := j.seed
	if seed == "" {
		seed = strconv.Itoa(len(j.prompt)*7919 + j.width)
	}
	img := []byte(fmt.Sprintf("queued image: %s", j.prompt))
	if q.Image != nil {
		img = q.Image(j.prompt, j.width, j.height, seed)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"done": true,
		"generations": []map[string]string{{
			"img":  base64.StdEncoding.EncodeToString(img),
			"seed": seed,
		}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
