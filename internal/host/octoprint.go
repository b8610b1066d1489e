package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiKeyHeader = "X-Api-Key"

// OctoPrint implements Printer over the OctoPrint REST API.
type OctoPrint struct {
	base   string
	apiKey string
	client *http.Client
}

// NewOctoPrint returns a client for baseURL. client may be nil.
func NewOctoPrint(baseURL, apiKey string, client *http.Client) *OctoPrint {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &OctoPrint{base: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

var _ Printer = (*OctoPrint)(nil)

type printerResponse struct {
	State struct {
		Flags PrinterState `json:"flags"`
	} `json:"state"`
	Temperature map[string]struct {
		Actual json.RawMessage `json:"actual"`
		Target json.RawMessage `json:"target"`
	} `json:"temperature"`
}

// State returns the printer flags. A printer that is not connected reports
// ClosedOrError.
func (o *OctoPrint) State(ctx context.Context) (PrinterState, error) {
	resp, ok, err := o.printer(ctx)
	if err != nil || !ok {
		return PrinterState{ClosedOrError: true}, err
	}
	return resp.State.Flags, nil
}

// Temperatures returns the current heater readings keyed by heater name.
func (o *OctoPrint) Temperatures(ctx context.Context) (map[string]Temperature, error) {
	resp, ok, err := o.printer(ctx)
	if err != nil || !ok {
		return map[string]Temperature{}, err
	}
	out := make(map[string]Temperature, len(resp.Temperature))
	for name, t := range resp.Temperature {
		out[name] = Temperature{Actual: rawFloat(t.Actual), Target: rawFloat(t.Target)}
	}
	return out, nil
}

// printer fetches /api/printer; ok is false when the printer is not operational.
func (o *OctoPrint) printer(ctx context.Context) (printerResponse, bool, error) {
	var out printerResponse
	status, err := o.do(ctx, http.MethodGet, "/api/printer?exclude=sd", nil, &out)
	if status == http.StatusConflict {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (o *OctoPrint) SetTemperature(ctx context.Context, heater string, target float64) error {
	switch {
	case heater == "bed":
		return o.post(ctx, "/api/printer/bed", map[string]any{"command": "target", "target": target})
	case heater == "chamber":
		return o.post(ctx, "/api/printer/chamber", map[string]any{"command": "target", "target": target})
	default:
		return o.post(ctx, "/api/printer/tool", map[string]any{
			"command": "target",
			"targets": map[string]float64{heater: target},
		})
	}
}

func (o *OctoPrint) Commands(ctx context.Context, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	return o.post(ctx, "/api/printer/command", map[string]any{"commands": lines})
}

func (o *OctoPrint) Connect(ctx context.Context) error {
	return o.post(ctx, "/api/connection", map[string]any{"command": "connect"})
}

func (o *OctoPrint) Disconnect(ctx context.Context) error {
	return o.post(ctx, "/api/connection", map[string]any{"command": "disconnect"})
}

// SelectFile selects origin/path and optionally starts printing it.
func (o *OctoPrint) SelectFile(ctx context.Context, origin, path string, print bool) error {
	if origin == "" {
		origin = "local"
	}
	p := "/api/files/" + url.PathEscape(origin) + "/" + escapePath(path)
	return o.post(ctx, p, map[string]any{"command": "select", "print": print})
}

func (o *OctoPrint) post(ctx context.Context, path string, body any) error {
	_, err := o.do(ctx, http.MethodPost, path, body, nil)
	return err
}

func (o *OctoPrint) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.base+path, rd)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set(apiKeyHeader, o.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

// rawFloat accepts numbers and numeric strings; anything else is nil.
func rawFloat(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var v float64
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &v); err == nil {
			return &v
		}
	}
	return nil
}
