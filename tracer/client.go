package tracer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client drives a remote tracer Server.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// NewClient returns a Client for the server at baseURL (for example "http://127.0.0.1:6080").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: http.DefaultTransport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return errors.New("redirect not allowed")
			},
			Timeout: maxPollWait + 10*time.Second,
		},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	c.mu.Lock()
	if c.token != "" {
		req.Header.Set(traceTokenHeader, c.token)
	}
	c.mu.Unlock()
	return req, nil
}

// do executes req, decoding a successful response into out when provided. Protocol error responses are returned as
// a wrapped *ProtocolError.
func (c *Client) do(req *http.Request, out any) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read failed: %w", req.URL.Path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var perr ProtocolError
		if json.Unmarshal(body, &perr) == nil && perr.Name != "" {
			return nil, fmt.Errorf("%s: %w", req.URL.Path, &perr)
		}
		return nil, fmt.Errorf("%s: status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		body, err = decompressBody(resp.Header.Get("Content-Encoding"), body)
		if err != nil {
			return nil, err
		} else if err := decodeBody(resp.Header.Get("Content-Type"), body, out); err != nil {
			return nil, fmt.Errorf("%s decode failed: %w", req.URL.Path, err)
		}
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return c.do(req, out)
}

// Attach attaches to the server session, retaining the returned token for later requests.
func (c *Client) Attach(ctx context.Context) (AttachedResponse, error) {
	var attached AttachedResponse
	resp, err := c.post(ctx, tracerEndpointPathAttach, nil, &attached)
	if err != nil {
		return attached, err
	}
	c.mu.Lock()
	c.token = resp.Header.Get(traceTokenHeader)
	c.mu.Unlock()
	return attached, nil
}

func (c *Client) Detach(ctx context.Context) (DetachedResponse, error) {
	var detached DetachedResponse
	_, err := c.post(ctx, tracerEndpointPathDetach, nil, &detached)
	if err == nil {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	return detached, err
}

func (c *Client) StartTrace(ctx context.Context, req StartTraceRequest) (StartedTraceResponse, error) {
	var started StartedTraceResponse
	_, err := c.post(ctx, tracerEndpointPathStartTrace, req, &started)
	return started, err
}

func (c *Client) StopTrace(ctx context.Context, req StopTraceRequest) (StoppedTraceResponse, error) {
	var stopped StoppedTraceResponse
	_, err := c.post(ctx, tracerEndpointPathStopTrace, req, &stopped)
	return stopped, err
}

// PollTraces returns the traces messages sent since the prior poll, waiting up to wait for one to arrive.
func (c *Client) PollTraces(ctx context.Context, wait time.Duration) (TracesPollResponse, error) {
	var polled TracesPollResponse
	req, err := c.newRequest(ctx, http.MethodGet,
		tracerEndpointPathTraces+"?wait="+strconv.FormatInt(wait.Milliseconds(), 10), nil)
	if err != nil {
		return polled, err
	}
	req.Header.Set("Accept", contentTypeMsgpack)
	req.Header.Set("Accept-Encoding", encodingZstd)
	_, err = c.do(req, &polled)
	return polled, err
}

// RegisterSourceMap registers mappings for the generated script at url.
func (c *Client) RegisterSourceMap(ctx context.Context, url string, mappings []Mapping) error {
	_, err := c.post(ctx, tracerEndpointPathSourceMap, SourceMapRequest{URL: url, Mappings: mappings}, nil)
	return err
}
