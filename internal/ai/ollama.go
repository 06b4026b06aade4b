package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaURL = "http://localhost:11434"

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type ollamaChatResp struct {
	Message ollamaMsg `json:"message"`
	Error   string    `json:"error,omitempty"`
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	msgs := make([]ollamaMsg, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, ollamaMsg{Role: m.Role, Content: m.Content})
	}

	var decoded ollamaChatResp
	if err := postJSON(ctx, p.Client, p.BaseURL+"/api/chat", ollamaChatReq{Model: p.Model, Messages: msgs}, &decoded); err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("ollama chat: %s", decoded.Error)
	}
	return decoded.Message.Content, nil
}

// OllamaEmbedder calls the Ollama embeddings endpoint and returns unit-length vectors.
type OllamaEmbedder struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var decoded ollamaEmbedResp
	if err := postJSON(ctx, e.Client, e.BaseURL+"/api/embeddings", ollamaEmbedReq{Model: e.Model, Prompt: text}, &decoded); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("ollama embed: %s", decoded.Error)
	}
	if len(decoded.Embedding) == 0 {
		return nil, errors.New("ollama embed: empty embedding")
	}
	return normalize(decoded.Embedding), nil
}

func normalize(v []float64) []float32 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	out := make([]float32, len(v))
	n := math.Sqrt(sum)
	if n == 0 {
		n = 1
	}
	for i, x := range v {
		out[i] = float32(x / n)
	}
	return out
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	if client == nil {
		return errors.New("http client is nil")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
