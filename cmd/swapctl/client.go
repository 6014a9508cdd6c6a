package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiError is the error envelope returned by swapd.
type apiError struct {
	Status      int    `json:"-"`
	Message     string `json:"error"`
	Kind        string `json:"kind"`
	Disposition string `json:"disposition"`
}

func (e *apiError) Error() string {
	if e.Disposition != "" {
		return fmt.Sprintf("%s (%s, %s): %s", http.StatusText(e.Status), e.Kind, e.Disposition, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", http.StatusText(e.Status), e.Kind, e.Message)
}

type client struct {
	baseURL string
	token   string
	caller  string
	http    *http.Client
}

func newClient(baseURL, token, caller string) *client {
	return &client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		caller:  strings.TrimSpace(caller),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes the response into out, which may be nil.
func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.caller != "" {
		req.Header.Set("X-Swap-Caller", c.caller)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(payload, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(payload))
		}
		return apiErr
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}
