package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"fleetd/internal/errdefs"
	"fleetd/internal/logging"
	"fleetd/pkg/types"
)

// llamaServerBackend drives a running llama.cpp server over its
// OpenAI-compatible completions endpoint.
type llamaServerBackend struct {
	baseURL    string
	apiKey     string
	model      string
	reqTimeout time.Duration
	client     *retryablehttp.Client
	log        zerolog.Logger

	abilities []types.Ability
	pipe      Pipe
}

// NewLlamaServer builds a llama-server backend. Args: "url" (falls back to the
// spec URL), "api_key", "timeout_ms", "retries".
func NewLlamaServer(p Params) (Backend, error) {
	base := p.Args["url"]
	if base == "" {
		base = p.Spec.URL
	}
	if strings.TrimSpace(base) == "" {
		return nil, errdefs.InvalidArgument("llama-server backend needs a url")
	}
	c := retryablehttp.NewClient()
	c.RetryMax = argInt(p.Args, "retries", 2)
	c.RetryWaitMin = 50 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.Logger = logging.Leveled{L: p.Logger}
	b := &llamaServerBackend{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     p.Args["api_key"],
		model:      p.Description.Name,
		reqTimeout: time.Duration(argInt(p.Args, "timeout_ms", 0)) * time.Millisecond,
		client:     c,
		log:        p.Logger.With().Str("backend", KindLlamaServer).Logger(),
		abilities:  defaultAbilities(p.Abilities),
	}
	b.pipe = Pipe{Generate: b.generate, Style: p.PromptStyle}
	return b, nil
}

// Load checks the server is reachable. Servers without /health are accepted.
func (b *llamaServerBackend) Load(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return errdefs.BackendLoad(err, "llama-server %s", b.baseURL)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return errdefs.BackendLoad(err, "llama-server %s unreachable", b.baseURL)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return errdefs.BackendLoad(fmt.Errorf("status %s", resp.Status), "llama-server %s not ready", b.baseURL)
	}
	return nil
}

func (b *llamaServerBackend) Unload() error {
	b.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (b *llamaServerBackend) Abilities() []types.Ability { return b.abilities }

func (b *llamaServerBackend) BatchInference(ctx context.Context, reqs []*Request) error {
	return b.pipe.Step(ctx, reqs)
}

func (b *llamaServerBackend) Release(r *Request) { b.pipe.Release(r) }

type completionRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	TopP          float64  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int64    `json:"seed,omitempty"`
	Stream        bool     `json:"stream"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
}

type streamEvent struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	// Native llama.cpp streaming uses a flat content field.
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

func (b *llamaServerBackend) generate(ctx context.Context, prompt string, o types.GenerateOptions, onToken func(string) error) (string, error) {
	if b.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.reqTimeout)
		defer cancel()
	}
	body, err := json.Marshal(completionRequest{
		Model:         b.model,
		Prompt:        prompt,
		MaxTokens:     o.MaxTokens,
		Temperature:   o.Temperature,
		TopP:          o.TopP,
		TopK:          o.TopK,
		Stop:          o.Stop,
		Seed:          o.Seed,
		Stream:        true,
		RepeatPenalty: o.RepeatPenalty,
	})
	if err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/completions", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("llama server http error: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	finish := ""
	rd := bufio.NewReader(resp.Body)
	for {
		line, rerr := rd.ReadString('\n')
		line = strings.TrimSpace(line)
		if data, ok := cutData(line); ok {
			if data == "[DONE]" {
				return finish, nil
			}
			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				b.log.Debug().Str("line", line).Msg("unknown stream line")
			} else {
				frag := ev.Content
				if len(ev.Choices) > 0 {
					c := ev.Choices[0]
					frag = c.Text + c.Delta.Content
					if c.FinishReason != "" {
						finish = c.FinishReason
					}
				}
				if frag != "" {
					if err := onToken(frag); err != nil {
						return finish, err
					}
				}
				if ev.Stop && finish == "" {
					finish = "stop"
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return finish, nil
			}
			if ctx.Err() != nil {
				return finish, ctx.Err()
			}
			return finish, rerr
		}
	}
}

// cutData extracts the payload of an SSE data line. Bare JSON lines are
// accepted as well.
func cutData(line string) (string, bool) {
	if line == "" {
		return "", false
	}
	if len(line) >= 5 && strings.EqualFold(line[:5], "data:") {
		return strings.TrimSpace(line[5:]), true
	}
	if strings.HasPrefix(line, "{") {
		return line, true
	}
	return "", false
}
