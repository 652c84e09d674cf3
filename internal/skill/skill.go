// Package skill calls the remote text-suggestion and image-generation
// services.
package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	MaxPromptLength = 1000
	DefaultTimeout  = 30 * time.Second

	Suggest = "suggest"
	Imagine = "imagine"

	userIdClaim = "user-id"
	expClaim    = "exp"
	tokenTTL    = time.Minute
)

var (
	ErrEmptyPrompt = errors.New("empty prompt")
	ErrEmptyReply  = errors.New("empty reply")
)

// Error is any failed skill call: transport, non-2xx status, or a reply
// without the expected payload.
type Error struct {
	Skill  string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s skill: status %d: %v", e.Skill, e.Status, e.Err)
	}
	return fmt.Sprintf("%s skill: %v", e.Skill, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Skills interface {
	Suggest(ctx context.Context, callerId int, message string) (string, error)
	Imagine(ctx context.Context, callerId int, prompt string) (string, error)
}

type Client struct {
	baseURL    string
	signingKey []byte
	httpClient *http.Client
}

func NewClient(baseURL string, signingKey []byte, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		signingKey: signingKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Sanitize trims a prompt and caps it at MaxPromptLength characters.
func Sanitize(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if r := []rune(prompt); len(r) > MaxPromptLength {
		prompt = string(r[:MaxPromptLength])
	}
	return prompt
}

type suggestRequest struct {
	Message string `json:"message"`
}

type suggestResponse struct {
	Suggestion string `json:"suggestion"`
}

type imagineRequest struct {
	Prompt string `json:"prompt"`
}

type imagineResponse struct {
	ImageURL string `json:"imageUrl"`
}

// Suggest returns a short reply to message.
func (c *Client) Suggest(ctx context.Context, callerId int, message string) (string, error) {
	message = Sanitize(message)
	if message == "" {
		return "", &Error{Skill: Suggest, Err: ErrEmptyPrompt}
	}

	var resp suggestResponse
	if err := c.call(ctx, Suggest, callerId, suggestRequest{Message: message}, &resp); err != nil {
		return "", err
	}

	suggestion := strings.TrimSpace(resp.Suggestion)
	if suggestion == "" {
		return "", &Error{Skill: Suggest, Err: ErrEmptyReply}
	}
	return suggestion, nil
}

// Imagine generates an image from prompt and returns its public URL.
func (c *Client) Imagine(ctx context.Context, callerId int, prompt string) (string, error) {
	prompt = Sanitize(prompt)
	if prompt == "" {
		return "", &Error{Skill: Imagine, Err: ErrEmptyPrompt}
	}

	var resp imagineResponse
	if err := c.call(ctx, Imagine, callerId, imagineRequest{Prompt: prompt}, &resp); err != nil {
		return "", err
	}

	url := strings.TrimSpace(resp.ImageURL)
	if url == "" {
		return "", &Error{Skill: Imagine, Err: ErrEmptyReply}
	}
	return url, nil
}

func (c *Client) call(ctx context.Context, skill string, callerId int, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return &Error{Skill: skill, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+skill, bytes.NewReader(buf))
	if err != nil {
		return &Error{Skill: skill, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.sign(callerId)
	if err != nil {
		return &Error{Skill: skill, Err: fmt.Errorf("sign token: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Skill: skill, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Skill: skill, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Skill: skill, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", compact(payload))}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Skill: skill, Status: resp.StatusCode, Err: fmt.Errorf("decode reply: %w", err)}
	}

	return nil
}

func (c *Client) sign(callerId int) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: callerId,
		expClaim:    time.Now().Add(tokenTTL).Unix(),
	})

	return token.SignedString(c.signingKey)
}

func compact(payload []byte) string {
	s := strings.Join(strings.Fields(string(payload)), " ")
	if len(s) > 240 {
		s = s[:240]
	}
	return s
}
