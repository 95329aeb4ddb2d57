// Package comfyui drives a ComfyUI server: submit a workflow, wait for it over the
// websocket, then download the output images.
package comfyui

import (
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

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/xueanxi/sharebook/pkg/queue"
)

// Node ids in the bundled text-to-image workflow.
const (
	nodePositive = "1"
	nodeNegative = "2"
	nodeSampler  = "5"
	nodeLatent   = "9"
)

type Client struct {
	base     *url.URL
	clientID string
	http     *http.Client
	logger   *log.Logger

	// Workflow returns a fresh copy of the workflow graph to fill in.
	Workflow func() map[string]any
}

func New(baseURL string, logger *log.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("comfyui url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("comfyui url %q: scheme must be http or https", baseURL)
	}
	return &Client{
		base:     u,
		clientID: ksuid.New().String(),
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   logger.WithPrefix("comfyui"),
		Workflow: DefaultWorkflow,
	}, nil
}

var _ queue.Backend = (*Client)(nil)

type promptResponse struct {
	PromptID string         `json:"prompt_id"`
	Number   int            `json:"number"`
	Errors   map[string]any `json:"node_errors"`
}

type outputImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []outputImage `json:"images"`
	} `json:"outputs"`
}

type wsMessage struct {
	Type string `json:"type"`
	Data struct {
		Node     *string `json:"node"`
		PromptID string  `json:"prompt_id"`
		Value    int     `json:"value"`
		Max      int     `json:"max"`
	} `json:"data"`
}

// Generate submits req, waits for the run to finish and returns the output images.
func (c *Client) Generate(ctx context.Context, req queue.Request) ([][]byte, error) {
	ws, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	id, err := c.queuePrompt(ctx, c.fill(req))
	if err != nil {
		return nil, err
	}
	c.logger.Debug("prompt queued", "id", id, "name", req.Name)

	if err := c.await(ctx, ws, id); err != nil {
		return nil, err
	}

	images, err := c.history(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(images))
	for _, img := range images {
		data, err := c.view(ctx, img)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, "/system_stats", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) fill(req queue.Request) map[string]any {
	wf := c.Workflow()
	setInput(wf, nodePositive, "text", req.Prompt)
	setInput(wf, nodeNegative, "text", req.Negative)
	setInput(wf, nodeLatent, "batch_size", max(req.Batch, 1))
	if req.Width > 0 && req.Height > 0 {
		setInput(wf, nodeLatent, "width", req.Width)
		setInput(wf, nodeLatent, "height", req.Height)
	}
	seed := req.Seed
	if seed == 0 {
		seed = time.Now().Unix()
	}
	setInput(wf, nodeSampler, "seed", seed)
	return wf
}

func setInput(wf map[string]any, node, key string, v any) {
	n, ok := wf[node].(map[string]any)
	if !ok {
		return
	}
	inputs, ok := n["inputs"].(map[string]any)
	if !ok {
		return
	}
	inputs[key] = v
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u := *c.base
	u.Scheme = map[string]string{"http": "ws", "https": "wss"}[u.Scheme]
	u.Path += "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientID}}.Encode()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("comfyui websocket: %w", err)
	}
	return ws, nil
}

func (c *Client) queuePrompt(ctx context.Context, workflow map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"prompt": workflow, "client_id": c.clientID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var pr promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	if len(pr.Errors) > 0 {
		return "", fmt.Errorf("workflow rejected: %v", pr.Errors)
	}
	if pr.PromptID == "" {
		return "", errors.New("comfyui returned no prompt id")
	}
	return pr.PromptID, nil
}

// await reads status messages until the server reports that id finished executing.
func (c *Client) await(ctx context.Context, ws *websocket.Conn, id string) error {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("comfyui websocket: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "executing":
			if msg.Data.Node == nil && msg.Data.PromptID == id {
				return nil
			}
		case "progress":
			c.logger.Debug("progress", "id", id, "step", msg.Data.Value, "of", msg.Data.Max)
		case "execution_error":
			if msg.Data.PromptID == id {
				return fmt.Errorf("comfyui execution failed for %s", id)
			}
		}
	}
}

func (c *Client) history(ctx context.Context, id string) ([]outputImage, error) {
	resp, err := c.get(ctx, "/history/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	entry, ok := h[id]
	if !ok {
		return nil, fmt.Errorf("no history for prompt %s", id)
	}
	var images []outputImage
	for _, out := range entry.Outputs {
		images = append(images, out.Images...)
	}
	return images, nil
}

func (c *Client) view(ctx context.Context, img outputImage) ([]byte, error) {
	resp, err := c.get(ctx, "/view", url.Values{
		"filename":  {img.Filename},
		"subfolder": {img.Subfolder},
		"type":      {img.Type},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := c.base.String() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfyui %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("comfyui %s: status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}
