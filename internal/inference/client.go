package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// ErrTransport marks unreachable services and malformed or non-success
// responses. The runner records it as the failure reason; nothing retries it.
var ErrTransport = errors.New("inference transport error")

// Prediction is the normalized response shape shared by every stage service.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Request carries the artifact bytes plus the optional prior-stage label for
// propagating stages.
type Request struct {
	FileName string
	Body     []byte
	Prior    string
}

// Client calls stage inference services over HTTP. One call per stage per
// analysis, bounded by the configured timeout.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Predict posts the artifact as a multipart upload and decodes the typed
// prediction. Any transport failure, non-2xx status, or undecodable body is
// wrapped in ErrTransport.
func (c *Client) Predict(ctx context.Context, endpoint string, req Request) (Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return Prediction{}, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(req.Body); err != nil {
		return Prediction{}, fmt.Errorf("write multipart: %w", err)
	}
	if req.Prior != "" {
		if err := mw.WriteField("prior", req.Prior); err != nil {
			return Prediction{}, fmt.Errorf("write prior field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return Prediction{}, fmt.Errorf("close multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, buf)
	if err != nil {
		return Prediction{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %s: %v", ErrTransport, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Prediction{}, fmt.Errorf("%w: %s returned status %d: %s", ErrTransport, endpoint, resp.StatusCode, bytes.TrimSpace(body))
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return Prediction{}, fmt.Errorf("%w: decode response from %s: %v", ErrTransport, endpoint, err)
	}
	if pred.Label == "" {
		return Prediction{}, fmt.Errorf("%w: %s returned empty label", ErrTransport, endpoint)
	}
	return pred, nil
}
