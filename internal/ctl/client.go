package ctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"qllmd/pkg/types"
)

// Client talks to the qllmd HTTP API.
type Client struct {
	Base string
	HTTP *http.Client
}

// NewClient accepts a full URL, host:port or a bare :port.
func NewClient(addr string) *Client {
	return &Client{Base: baseURL(addr), HTTP: &http.Client{}}
}

func baseURL(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	switch {
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return addr
	case strings.HasPrefix(addr, ":"):
		return "http://127.0.0.1" + addr
	default:
		return "http://" + addr
	}
}

// APIError is a non-2xx reply decoded from the server's JSON error body.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("%d: %s", e.Status, e.Message) }

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	debug("%s %s", method, req.URL)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var er types.ErrorResponse
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, &er) != nil || er.Error == "" {
			er.Error = strings.TrimSpace(string(b))
		}
		return nil, &APIError{Status: resp.StatusCode, Message: er.Error}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var st types.StatusResponse
	err := c.getJSON(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func (c *Client) Models(ctx context.Context) ([]types.Model, error) {
	var mr types.ModelsResponse
	err := c.getJSON(ctx, http.MethodGet, "/models", nil, &mr)
	return mr.Models, err
}

// CreateSession binds id on the server; an empty id lets the server pick one.
func (c *Client) CreateSession(ctx context.Context, id string) (types.Session, error) {
	var s types.Session
	err := c.getJSON(ctx, http.MethodPost, "/sessions", types.CreateSessionRequest{ID: id}, &s)
	return s, err
}

func (c *Client) Session(ctx context.Context, id string) (types.Session, error) {
	var s types.Session
	err := c.getJSON(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &s)
	return s, err
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.getJSON(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ResetSession(ctx context.Context, id string) error {
	return c.getJSON(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/reset", nil, nil)
}

func (c *Client) Embed(ctx context.Context, id, text string) ([]float32, error) {
	var er types.EmbeddingResponse
	err := c.getJSON(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/embeddings", types.EmbeddingRequest{Text: text}, &er)
	return er.Embedding, err
}

// Turn streams the reply text to w and returns the final chunk. An empty id
// runs a one-shot /infer request instead of a session turn.
func (c *Client) Turn(ctx context.Context, id, text string, w io.Writer) (types.TurnChunk, error) {
	path, body := "/infer", any(types.InferRequest{Prompt: text})
	if id != "" {
		path, body = "/sessions/"+url.PathEscape(id)+"/turns", types.TurnRequest{Text: text}
	}
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return types.TurnChunk{}, err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ch types.TurnChunk
		if err := json.Unmarshal(line, &ch); err != nil {
			return types.TurnChunk{}, fmt.Errorf("decode chunk: %w", err)
		}
		if ch.Text != "" {
			if _, err := io.WriteString(w, ch.Text); err != nil {
				return ch, err
			}
		}
		if ch.Done {
			if ch.Error != "" {
				return ch, errors.New(ch.Error)
			}
			return ch, nil
		}
	}
	if err := sc.Err(); err != nil {
		return types.TurnChunk{}, err
	}
	return types.TurnChunk{}, io.ErrUnexpectedEOF
}

// WaitReady polls /readyz until it answers 200 or timeout passes.
func (c *Client) WaitReady(ctx context.Context, timeout, every time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+"/readyz", nil)
		resp, err := c.HTTP.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-time.After(every):
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s/readyz", c.Base)
		}
	}
}
