// Package vk is a minimal client for the VK API methods the monitor needs.
package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is an error returned in the VK API response envelope.
type APIError struct {
	Code int    `json:"error_code"`
	Msg  string `json:"error_msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Msg)
}

// RateLimited reports whether the request may succeed when repeated later.
func (e *APIError) RateLimited() bool {
	switch e.Code {
	case 6, 9, 29:
		return true
	}
	return false
}

// AccessDenied reports whether the token lost access to the requested data.
// Repeating the request will not help until the user re-authorizes.
func (e *APIError) AccessDenied() bool {
	switch e.Code {
	case 5, 7, 15, 18, 30, 203:
		return true
	}
	return false
}

// InvalidParams reports whether VK rejected the request parameters.
func (e *APIError) InvalidParams() bool {
	return e.Code == 100 || e.Code == 113
}

// StatusError is returned for non-200 HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Retryable reports whether err is transient: rate limits, server errors and
// network failures. Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RateLimited()
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr)
}

// Client calls VK API methods. The service token reads public walls, the
// community token sends messages on behalf of the community.
type Client struct {
	http         HTTPClient
	baseURL      string
	version      string
	serviceToken string
	groupToken   string
}

// New creates a Client.
func New(httpClient HTTPClient, baseURL, version, serviceToken, groupToken string) *Client {
	return &Client{
		http:         httpClient,
		baseURL:      strings.TrimRight(baseURL, "/"),
		version:      version,
		serviceToken: serviceToken,
		groupToken:   groupToken,
	}
}

// CanSendMessages reports whether a community token is configured.
func (c *Client) CanSendMessages() bool {
	return c.groupToken != ""
}

type envelope struct {
	Response json.RawMessage `json:"response"`
	Error    *APIError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method, token string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", token)
	params.Set("v", c.version)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %w", method, &StatusError{Code: resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%s: decode envelope: %w", method, err)
	}
	if env.Error != nil {
		return fmt.Errorf("%s: %w", method, env.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}

// Community is a VK community as returned by groups.getById.
type Community struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ScreenName  string `json:"screen_name"`
	Photo200    string `json:"photo_200"`
	Description string `json:"description"`
	IsClosed    int    `json:"is_closed"`
}

// GroupByID returns community info by its positive id.
func (c *Client) GroupByID(ctx context.Context, groupID int64) (*Community, error) {
	params := url.Values{}
	params.Set("group_id", strconv.FormatInt(groupID, 10))
	params.Set("fields", "description")

	var raw json.RawMessage
	if err := c.call(ctx, "groups.getById", c.serviceToken, params, &raw); err != nil {
		return nil, err
	}

	// Older API versions return a bare array, newer ones wrap it.
	var list []Community
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Groups []Community `json:"groups"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("groups.getById: decode groups: %w", err)
		}
		list = wrapped.Groups
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("groups.getById: %w", &APIError{Code: 100, Msg: "group not found"})
	}
	return &list[0], nil
}

// WallPage is one page of wall.get.
type WallPage struct {
	Count int        `json:"count"`
	Items []WallPost `json:"items"`
}

// WallGet returns posts from a wall, newest first.
func (c *Client) WallGet(ctx context.Context, ownerID int64, offset, count int) (*WallPage, error) {
	params := url.Values{}
	params.Set("owner_id", strconv.FormatInt(ownerID, 10))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("count", strconv.Itoa(count))
	params.Set("filter", "owner")

	var page WallPage
	if err := c.call(ctx, "wall.get", c.serviceToken, params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// WallGetByID returns a single wall post.
func (c *Client) WallGetByID(ctx context.Context, ownerID, postID int64) (*WallPost, error) {
	params := url.Values{}
	params.Set("posts", fmt.Sprintf("%d_%d", ownerID, postID))

	var raw json.RawMessage
	if err := c.call(ctx, "wall.getById", c.serviceToken, params, &raw); err != nil {
		return nil, err
	}

	var list []WallPost
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Items []WallPost `json:"items"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("wall.getById: decode posts: %w", err)
		}
		list = wrapped.Items
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("wall.getById: %w", &APIError{Code: 100, Msg: "post not found"})
	}
	return &list[0], nil
}

// SendMessage sends a community message to a user.
func (c *Client) SendMessage(ctx context.Context, userID int64, text string) error {
	if c.groupToken == "" {
		return errors.New("messages.send: community token is not configured")
	}
	params := url.Values{}
	params.Set("user_id", strconv.FormatInt(userID, 10))
	params.Set("message", text)
	params.Set("random_id", strconv.FormatInt(randomID(userID, text), 10))
	return c.call(ctx, "messages.send", c.groupToken, params, nil)
}

// randomID derives the deduplication id VK requires from the message, so a
// retried send is not delivered twice.
func randomID(userID int64, text string) int64 {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%d|%s", userID, text)
	return int64(h.Sum32())
}
