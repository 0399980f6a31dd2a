package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultUserAgent is sent with every submission.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// maxResponseBody caps how much of a submission reply is read.
const maxResponseBody = 1 << 20

// DefaultMaxArtifactSize caps how much of a downloaded artifact is read.
const DefaultMaxArtifactSize = 64 << 20

// ErrMalformedResponse is returned when the remote reply cannot be read as a
// compression result. It is an expected outcome and callers retry the round.
var ErrMalformedResponse = errors.New("malformed compression response")

// ErrArtifactTooLarge is returned by Fetch when the artifact exceeds the
// configured cap. Retrying cannot help, so it is not a TransportError.
var ErrArtifactTooLarge = errors.New("artifact exceeds size limit")

// TransportError wraps a network-level failure of a submit or fetch call.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a malformed response or a transport
// failure, the two outcomes that warrant submitting the same round again.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}

// Result is a well-formed reply from one submission.
type Result struct {
	InputSize  int64
	OutputSize int64
	OutputURL  string
}

// Saved returns the number of bytes the round removed.
func (r Result) Saved() int64 {
	return r.InputSize - r.OutputSize
}

type shrinkResponse struct {
	Input *struct {
		Size *int64 `json:"size"`
	} `json:"input"`
	Output *struct {
		Size *int64 `json:"size"`
		URL  string `json:"url"`
	} `json:"output"`
}

// Client submits payloads to a remote compression endpoint and downloads the
// resulting artifacts.
type Client interface {
	Submit(ctx context.Context, data []byte) (Result, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Options configures an HTTPClient.
type Options struct {
	Endpoint  string
	UserAgent string
	Timeout   time.Duration
	Identity  Identity

	// MaxArtifactSize defaults to DefaultMaxArtifactSize when zero.
	MaxArtifactSize int64
}

// HTTPClient is the net/http implementation of Client.
type HTTPClient struct {
	endpoint  string
	userAgent string
	identity  Identity
	http      *http.Client

	maxArtifact int64
}

// NewHTTPClient returns a client for the given endpoint. A zero Timeout leaves
// calls bounded only by the caller's context.
func NewHTTPClient(opts Options) *HTTPClient {
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	id := opts.Identity
	if id == nil {
		id = NoIdentity{}
	}
	limit := opts.MaxArtifactSize
	if limit <= 0 {
		limit = DefaultMaxArtifactSize
	}
	return &HTTPClient{
		endpoint:    opts.Endpoint,
		userAgent:   ua,
		identity:    id,
		http:        &http.Client{Timeout: opts.Timeout},
		maxArtifact: limit,
	}
}

// Submit posts raw image bytes and parses the reply.
func (c *HTTPClient) Submit(ctx context.Context, data []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	c.identity.Apply(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, &TransportError{Op: "submit", URL: c.endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, &TransportError{Op: "submit", URL: c.endpoint, Err: err}
	}

	// Error replies carry a different JSON shape, so they fail parsing below
	// and are retried like any other unusable body.
	return parseResult(body)
}

func parseResult(body []byte) (Result, error) {
	var sr shrinkResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if sr.Input == nil || sr.Input.Size == nil ||
		sr.Output == nil || sr.Output.Size == nil || sr.Output.URL == "" {
		return Result{}, fmt.Errorf("%w: missing input.size, output.size or output.url", ErrMalformedResponse)
	}
	return Result{
		InputSize:  *sr.Input.Size,
		OutputSize: *sr.Output.Size,
		OutputURL:  sr.Output.URL,
	}, nil
}

// Fetch downloads the artifact at url.
func (c *HTTPClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "fetch", URL: url, Err: err}
	}
	c.identity.Apply(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "fetch", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Op: "fetch", URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxArtifact+1))
	if err != nil {
		return nil, &TransportError{Op: "fetch", URL: url, Err: err}
	}
	if int64(len(data)) > c.maxArtifact {
		return nil, fmt.Errorf("fetch %s: %w (%d bytes)", url, ErrArtifactTooLarge, c.maxArtifact)
	}
	return data, nil
}
