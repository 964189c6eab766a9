// Package chatapi is the HTTP client of the chat API internal endpoints used
// to create messages on behalf of users and to resolve conversation members.
package chatapi

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

	"github.com/3rs4lg4d0/courier/notify"
	"github.com/3rs4lg4d0/courier/scheduler"
)

const (
	defaultTimeout  = 10 * time.Second
	maxErrorBodyLen = 512
	senderHeader    = "X-Sender-Id"
)

// ErrUnexpectedStatus is wrapped by every non 2xx answer.
var ErrUnexpectedStatus = errors.New("unexpected chat api status")

// Client talks to the chat API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ scheduler.Sender = (*Client)(nil)
var _ notify.Directory = (*Client)(nil)

// opt allows optional configuration.
type opt func(c *Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(h *http.Client) opt {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) opt {
	return func(c *Client) {
		c.token = token
	}
}

func New(baseURL string, options ...opt) *Client {
	if baseURL == "" {
		panic("baseURL is mandatory")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

type sendRequest struct {
	Type     string          `json:"type"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send creates a message in the conversation as senderID.
func (c *Client) Send(ctx context.Context, senderID string, m scheduler.NewMessage) (scheduler.SentMessage, error) {
	body, err := json.Marshal(sendRequest{Type: m.Type, Content: m.Content, Metadata: m.Metadata})
	if err != nil {
		return scheduler.SentMessage{}, fmt.Errorf("could not encode message: %w", err)
	}
	path := "/internal/conversations/" + url.PathEscape(m.ConversationID) + "/messages"
	var out sendResponse
	if err := c.do(ctx, http.MethodPost, path, senderID, body, &out); err != nil {
		return scheduler.SentMessage{}, err
	}
	if out.ID == "" {
		return scheduler.SentMessage{}, errors.New("chat api returned a message without id")
	}
	return scheduler.SentMessage{ID: out.ID}, nil
}

type membersResponse struct {
	MemberIDs []string `json:"memberIds"`
}

// MemberIDs lists the members of a conversation.
func (c *Client) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	var out membersResponse
	path := "/internal/conversations/" + url.PathEscape(conversationID) + "/members"
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.MemberIDs, nil
}

func (c *Client) do(ctx context.Context, method, path, senderID string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not build chat api request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if senderID != "" {
		req.Header.Set(senderHeader, senderID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chat api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return fmt.Errorf("%w %d on %s %s: %s", ErrUnexpectedStatus, resp.StatusCode, method, path, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode chat api response: %w", err)
	}
	return nil
}
