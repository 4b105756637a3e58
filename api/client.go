package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
)

const DefaultTimeout = 15 * time.Second

// max bytes of an error body kept in `Error.Message`.
const maxErrorBody = 1024

type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.httpClient.Timeout = d }
}

// WithToken sets the credential getter, called on every request.
func WithToken(fn func() string) Option {
	return func(cl *Client) { cl.token = fn }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func roomPath(roomID int64, suffix string) string {
	return "/api/chat/rooms/" + strconv.FormatInt(roomID, 10) + suffix
}

func (c *Client) JoinOrCreateRoom(ctx context.Context, kind chatstore.RoomKind, logicalKey string) (*JoinResult, error) {
	path := fmt.Sprintf("/api/chat/rooms/%s/%s/join", kind, url.PathEscape(logicalKey))
	var res JoinResult
	err := c.do(ctx, http.MethodPost, path, nil, nil, &res)
	if err != nil {
		if e, ok := asError(err); ok && e.Code == CodeAlreadyMember {
			return &JoinResult{RoomID: e.RoomID, AlreadyJoined: true}, nil
		}
		return nil, err
	}
	return &res, nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID int64) error {
	err := c.do(ctx, http.MethodDelete, roomPath(roomID, "/members/me"), nil, nil, nil)
	if IsNotFound(err) {
		glog.V(5).Infof("api: leave room %d: not a member", roomID)
		return nil
	}
	return err
}

func (c *Client) ListParticipants(ctx context.Context, roomID int64) ([]*Participant, error) {
	var out []*Participant
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "/participants"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FetchHistory(ctx context.Context, roomID, beforeID int64, pageSize int, includeSystem bool) (*HistoryPage, error) {
	q := url.Values{}
	if beforeID > 0 {
		q.Set("before", strconv.FormatInt(beforeID, 10))
	}
	q.Set("size", strconv.Itoa(pageSize))
	q.Set("includeSystem", strconv.FormatBool(includeSystem))

	var page HistoryPage
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "/messages"), q, nil, &page); err != nil {
		return nil, err
	}
	items := page.Items[:0]
	for _, m := range page.Items {
		if m == nil {
			continue
		}
		if m.RoomID == 0 {
			m.RoomID = roomID
		}
		items = append(items, m)
	}
	page.Items = items
	return &page, nil
}

func (c *Client) MarkRead(ctx context.Context, roomID, lastReadMessageID int64) error {
	body := map[string]int64{"lastReadMessageId": lastReadMessageID}
	return c.do(ctx, http.MethodPost, roomPath(roomID, "/read"), nil, body, nil)
}

func (c *Client) MarkLatestRead(ctx context.Context, roomID int64) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "/read/latest"), nil, nil, nil)
}

func (c *Client) SetMuted(ctx context.Context, roomID int64, muted bool) error {
	body := map[string]bool{"muted": muted}
	return c.do(ctx, http.MethodPut, roomPath(roomID, "/mute"), nil, body, nil)
}

// do sends a JSON request. Non-2xx answers become *Error; out, when not nil, receives
// the decoded 2xx body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("api: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if t := c.token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}

	glog.V(5).Infof("api: %s %s", method, u)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := &Error{Status: resp.StatusCode}
		if json.Unmarshal(data, e) != nil || (e.Code == "" && e.Message == "") {
			if len(data) > maxErrorBody {
				data = data[:maxErrorBody]
			}
			e.Message = strings.TrimSpace(string(data))
		}
		e.Status = resp.StatusCode
		return e
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: unmarshal response: %w", err)
	}
	return nil
}
