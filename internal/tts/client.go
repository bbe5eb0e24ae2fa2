package tts

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

const DefaultBaseURL = "https://genaipro.vn/api/v1"

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskCompleted TaskState = "completed"
	TaskError     TaskState = "error"
)

type TaskStatus struct {
	State       TaskState
	ResultURL   string
	ErrorDetail string
}

// Params are the optional voice settings; nil fields are omitted from the
// request.
type Params struct {
	ModelID         string
	Style           *float64
	Speed           *float64
	Similarity      *float64
	Stability       *float64
	UseSpeakerBoost *bool
}

type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	classifier Classifier
}

type Option func(*Client)

func WithClassifier(c Classifier) Option {
	return func(cl *Client) {
		if c != nil {
			cl.classifier = c
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(cl *Client) {
		if h != nil {
			cl.http = h
		}
	}
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		http:       &http.Client{Timeout: 60 * time.Second},
		classifier: DefaultClassifier,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

type createTaskReq struct {
	Input           string   `json:"input"`
	VoiceID         string   `json:"voice_id"`
	ModelID         string   `json:"model_id,omitempty"`
	Style           *float64 `json:"style,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
	Similarity      *float64 `json:"similarity,omitempty"`
	Stability       *float64 `json:"stability,omitempty"`
	UseSpeakerBoost *bool    `json:"use_speaker_boost,omitempty"`
}

type createTaskResp struct {
	TaskID string `json:"task_id"`
}

type taskStatusResp struct {
	Status string          `json:"status"`
	Result string          `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (c *Client) CreateTask(ctx context.Context, text, voiceID string, p Params) (string, error) {
	b, err := json.Marshal(createTaskReq{
		Input:           text,
		VoiceID:         voiceID,
		ModelID:         p.ModelID,
		Style:           p.Style,
		Speed:           p.Speed,
		Similarity:      p.Similarity,
		Stability:       p.Stability,
		UseSpeakerBoost: p.UseSpeakerBoost,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/labs/task", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out createTaskResp
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return "", ErrBadResponse
	}
	return out.TaskID, nil
}

func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	u := c.baseURL + "/labs/task/" + url.PathEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return TaskStatus{}, err
	}

	var out taskStatusResp
	if err := c.do(req, &out); err != nil {
		return TaskStatus{}, err
	}

	switch strings.ToLower(out.Status) {
	case string(TaskCompleted):
		return TaskStatus{State: TaskCompleted, ResultURL: out.Result}, nil
	case string(TaskError):
		detail := "speech task failed at the provider"
		var s string
		if json.Unmarshal(out.Error, &s) == nil && s != "" {
			detail = s
		}
		return TaskStatus{State: TaskError, ErrorDetail: truncate(detail, maxDetail)}, nil
	default:
		return TaskStatus{State: TaskPending}, nil
	}
}

func (c *Client) DownloadResult(ctx context.Context, resultURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, &DownloadError{StatusCode: resp.StatusCode, Detail: truncate(strings.TrimSpace(string(body)), maxDetail)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &DownloadError{}
	}
	return data, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		text := strings.TrimSpace(string(body))
		cls := c.classifier(text)
		return &RequestError{
			StatusCode: resp.StatusCode,
			Code:       cls.Code,
			Message:    cls.Message,
			Detail:     truncate(text, maxDetail),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}
