package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// readJSON executes req and decodes a JSON body no larger than maxBytes. Non-2xx responses
// become FetchErrors carrying the status and the upstream error message when one is present.
func readJSON(client *http.Client, req *http.Request, connector string, maxBytes int64) (any, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{Connector: connector, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, &FetchError{Connector: connector, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > maxBytes {
		return nil, &FetchError{Connector: connector, StatusCode: resp.StatusCode, Err: fmt.Errorf("response too large (>%d bytes)", maxBytes)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Connector: connector, StatusCode: resp.StatusCode, Err: errors.New(upstreamMessage(body, resp.Status))}
	}

	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &FetchError{Connector: connector, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode json: %w", err)}
	}
	return out, nil
}

// upstreamMessage pulls error.message or message out of an error body.
func upstreamMessage(body []byte, fallback string) string {
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if msg, ok := lookupPath(parsed, "error.message").(string); ok && msg != "" {
			return msg
		}
		if msg, ok := parsed["message"].(string); ok && msg != "" {
			return msg
		}
		if msg, ok := parsed["error"].(string); ok && msg != "" {
			return msg
		}
	}
	return fallback
}

// lookupPath walks a dot-separated path through nested JSON objects and returns nil as
// soon as a segment is absent.
func lookupPath(v any, path string) any {
	if path == "" {
		return v
	}
	cur := v
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		next, ok := obj[key]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}
