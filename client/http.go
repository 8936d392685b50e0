package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxResponseSize bounds response bodies.
const maxResponseSize = 4 << 20

// APIError is a non-2xx answer from a mint peer.
type APIError struct {
	Status  int    // Status is the HTTP status code
	Message string // Message is the server's error text
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// get performs a GET request and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", path, err)
	}

	return c.do(req, result)
}

// post performs a POST request with body and decodes the JSON response.
func (c *Client) post(ctx context.Context, path, contentType string, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", path, err)
	}

	req.Header.Set("Content-Type", contentType)

	return c.do(req, result)
}

// postJSON performs a POST request with a JSON body and decodes the JSON response.
func (c *Client) postJSON(ctx context.Context, path string, body any, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	return c.post(ctx, path, "application/json", jsonBytes, result)
}

// do sends req and decodes a JSON answer into result, or an APIError.
func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", req.Method, req.URL.Path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	body := io.LimitReader(resp.Body, maxResponseSize)

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}

		_ = json.NewDecoder(body).Decode(&e)

		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	return json.NewDecoder(body).Decode(result)
}
