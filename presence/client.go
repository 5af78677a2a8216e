package presence

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/vantagechat/linkcore/fault"
	"github.com/vantagechat/linkcore/httpexec"
	"github.com/vantagechat/linkcore/stream"
)

// API is the slice of the backend the synchronizer pulls from.
type API interface {
	FetchUser(ctx context.Context, userID int64) (Record, error)
	FetchOnline(ctx context.Context, page, pageSize int) (Page, error)
	UpdateConnectionStatus(ctx context.Context, status Status, message string) error
}

// Client implements API over the retrying executor.
type Client struct {
	exec   *httpexec.Executor
	tokens stream.TokenProvider
}

func NewClient(exec *httpexec.Executor, tokens stream.TokenProvider) *Client {
	return &Client{exec: exec, tokens: tokens}
}

func (c *Client) FetchUser(ctx context.Context, userID int64) (Record, error) {
	header, err := c.authHeader(ctx)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	path := fmt.Sprintf("/api/users/%d/presence", userID)
	if err := c.exec.DoJSON(ctx, http.MethodGet, path, header, nil, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (c *Client) FetchOnline(ctx context.Context, page, pageSize int) (Page, error) {
	header, err := c.authHeader(ctx)
	if err != nil {
		return Page{}, err
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(pageSize))

	var result Page
	path := "/api/users/online?" + query.Encode()
	if err := c.exec.DoJSON(ctx, http.MethodGet, path, header, nil, &result); err != nil {
		return Page{}, err
	}
	return result, nil
}

func (c *Client) UpdateConnectionStatus(ctx context.Context, status Status, message string) error {
	header, err := c.authHeader(ctx)
	if err != nil {
		return err
	}
	body := map[string]string{
		"status":        string(status),
		"statusMessage": message,
	}
	return c.exec.DoJSON(ctx, http.MethodPut, "/api/users/me/connection-status", header, body, nil)
}

func (c *Client) authHeader(ctx context.Context) (http.Header, error) {
	if c.tokens == nil {
		return nil, nil
	}
	cred, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Authentication, err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Value)
	return header, nil
}
