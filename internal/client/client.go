// Package client 通过 REST API 和会话 WebSocket 访问消息服务，一个 Client 代表其 token 对应的用户。
package client

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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/apperr"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/conversation"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
)

const (
	defaultTimeout = 15 * time.Second
	streamBuffer   = 64
	maxErrorBody   = 4 << 10
)

type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	dialer *websocket.Dialer
}

var _ conversation.Backend = (*Client)(nil)

func New(baseURL, token string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}
	return &Client{
		base:   u,
		token:  token,
		http:   &http.Client{Timeout: defaultTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: defaultTimeout},
	}, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()
	return u.String()
}

// do 发送 JSON 请求并把 2xx 响应解码到 out，错误响应还原为 *apperr.Error，便于调用方按错误码处理。
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "server unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e struct {
		Error string      `json:"error"`
		Code  apperr.Code `json:"code"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(data, &e) != nil || e.Code == "" {
		return apperr.New(codeForStatus(resp.StatusCode), http.StatusText(resp.StatusCode))
	}
	return apperr.New(e.Code, e.Error)
}

func codeForStatus(status int) apperr.Code {
	switch status {
	case http.StatusBadRequest:
		return apperr.CodeInvalidArgument
	case http.StatusUnauthorized:
		return apperr.CodeUnauthenticated
	case http.StatusForbidden:
		return apperr.CodePermissionDenied
	case http.StatusNotFound:
		return apperr.CodeNotFound
	case http.StatusConflict:
		return apperr.CodeAlreadyExists
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return apperr.CodeUnavailable
	default:
		return apperr.CodeInternal
	}
}

func chatPath(chatID uint, rest string) string {
	return "/api/v1/chats/" + strconv.FormatUint(uint64(chatID), 10) + rest
}

func (c *Client) ListUsers(ctx context.Context) ([]service.UserDTO, error) {
	var out struct {
		Users []service.UserDTO `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/users", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

func (c *Client) ListChats(ctx context.Context) ([]service.ChatSummary, error) {
	var out struct {
		Chats []service.ChatSummary `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/chats", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// DirectChat 返回与 userID 的单聊，不存在时创建。
func (c *Client) DirectChat(ctx context.Context, userID uint) (uint, bool, error) {
	var out struct {
		ID      uint `json:"id"`
		Created bool `json:"created"`
	}
	in := map[string]uint{"user_id": userID}
	if err := c.do(ctx, http.MethodPost, "/api/v1/chats/direct", nil, in, &out); err != nil {
		return 0, false, err
	}
	return out.ID, out.Created, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []uint) (uint, error) {
	var out struct {
		ID uint `json:"id"`
	}
	in := map[string]any{"name": name, "member_ids": memberIDs}
	if err := c.do(ctx, http.MethodPost, "/api/v1/chats/group", nil, in, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *Client) AddParticipant(ctx context.Context, chatID, userID uint) error {
	in := map[string]uint{"user_id": userID}
	return c.do(ctx, http.MethodPost, chatPath(chatID, "/participants"), nil, in, nil)
}

func (c *Client) Leave(ctx context.Context, chatID uint) error {
	return c.do(ctx, http.MethodDelete, chatPath(chatID, "/participants/me"), nil, nil, nil)
}

func (c *Client) History(ctx context.Context, chatID, beforeID uint, limit int) ([]service.MessageDTO, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatUint(uint64(beforeID), 10))
	}
	var out struct {
		Messages []service.MessageDTO `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, chatPath(chatID, "/messages"), q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) Send(ctx context.Context, chatID uint, body string) (*service.MessageDTO, error) {
	var out struct {
		Message *service.MessageDTO `json:"message"`
	}
	in := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, chatPath(chatID, "/messages"), nil, in, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (c *Client) Delete(ctx context.Context, messageID uint) error {
	path := "/api/v1/messages/" + strconv.FormatUint(uint64(messageID), 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, chatID uint) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID, "/read"), nil, nil, nil)
}

func (c *Client) SetTyping(ctx context.Context, chatID uint, isTyping bool) error {
	in := map[string]bool{"is_typing": isTyping}
	return c.do(ctx, http.MethodPost, chatPath(chatID, "/typing"), nil, in, nil)
}

// Analysis 在消息尚未分析时返回 nil。
func (c *Client) Analysis(ctx context.Context, messageID uint) (*service.AnalysisDTO, error) {
	var out struct {
		Status   string               `json:"status"`
		Analysis *service.AnalysisDTO `json:"analysis"`
	}
	path := "/api/v1/messages/" + strconv.FormatUint(uint64(messageID), 10) + "/analysis"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Analysis, nil
}

func (c *Client) wsURL(path string, q url.Values) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) dial(ctx context.Context, path string, q url.Values) (*websocket.Conn, error) {
	header := http.Header{"Authorization": {"Bearer " + c.token}}
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(path, q), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, apperr.Wrap(apperr.CodeUnavailable, "server unreachable", err)
	}
	return conn, nil
}

// Subscribe 打开会话 WebSocket，只投递会话事件，忽略回执帧。
func (c *Client) Subscribe(ctx context.Context, chatID uint) (conversation.Stream, error) {
	q := url.Values{"chat_id": {strconv.FormatUint(uint64(chatID), 10)}}
	conn, err := c.dial(ctx, "/ws", q)
	if err != nil {
		return nil, err
	}
	s := &stream{conn: conn, events: make(chan service.Event, streamBuffer), closed: make(chan struct{})}
	go s.read()
	return s, nil
}

type stream struct {
	conn   *websocket.Conn
	events chan service.Event
	closed chan struct{}
	once   sync.Once
}

func (s *stream) Events() <-chan service.Event { return s.events }

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *stream) read() {
	defer close(s.events)
	for {
		var ev service.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			_ = s.Close()
			return
		}
		switch ev.Type {
		case service.EventMessage, service.EventMessageDeleted, service.EventTyping, service.EventResync:
		default:
			continue
		}
		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}

// WatchChats 持续推送调用者的会话列表：连接后立即收到首个快照，之后每次相关变更再推一次。
// 连接断开或 ctx 结束时关闭 channel。
func (c *Client) WatchChats(ctx context.Context) (<-chan []service.ChatSummary, error) {
	conn, err := c.dial(ctx, "/ws/directory", nil)
	if err != nil {
		return nil, err
	}
	out := make(chan []service.ChatSummary, 1)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var frame struct {
				Chats []service.ChatSummary `json:"chats"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			select {
			case out <- frame.Chats:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
