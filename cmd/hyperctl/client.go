package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type apiError struct {
	Code    string `json:"code"`
	VMID    string `json:"vmId"`
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	if e.VMID != "" {
		return fmt.Sprintf("%s: vm=%s: %s", e.Code, e.VMID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func apiCall(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, apiAddr+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return &apiErr
		}
		return fmt.Errorf("hyperctld: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// streamEvents reads line-delimited SSE frames and invokes fn per event.
func streamEvents(ctx context.Context, path string, fn func(topic string, data []byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiAddr+path, nil)
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var topic string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case len(line) > 7 && line[:7] == "event: ":
			topic = line[7:]
		case len(line) > 6 && line[:6] == "data: ":
			fn(topic, []byte(line[6:]))
		}
	}
	return scanner.Err()
}
