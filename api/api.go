// Package api is the REST client for the order-desk backend: auth, orders,
// and chat rooms. Every request carries the bearer token when one exists, and
// any 401 anywhere triggers the session logout hook.
package api

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
)

// ErrUnauthorized is returned when the server rejects the session token.
// The logout hook has already fired by the time a caller sees it.
var ErrUnauthorized = errors.New("api: unauthorized")

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type Order struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewOrder is the create-order request body.
type NewOrder struct {
	Type     string  `json:"type"`
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

type ChatRoom struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	Active    bool      `json:"isActive"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Sender is the nested author record on history messages. Consumers flatten
// it to the id.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config wires a Client. BaseURL is required.
type Config struct {
	BaseURL string
	// Token returns the current session token, empty when logged out.
	Token func() string
	// OnUnauthorized runs once per 401 response, before ErrUnauthorized is
	// returned. Sessions hook their logout here.
	OnUnauthorized func()
	HTTPClient     *http.Client
}

type Client struct {
	base   string
	hc     *http.Client
	token  func() string
	logout func()
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	token := cfg.Token
	if token == nil {
		token = func() string { return "" }
	}
	logout := cfg.OnUnauthorized
	if logout == nil {
		logout = func() {}
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		hc:     hc,
		token:  token,
		logout: logout,
	}
}

// errorBody is the server's error envelope.
type errorBody struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		c.logout()
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		if eb.Message == "" {
			eb.Message = resp.Status
		}
		return fmt.Errorf("api: %s %s: %s", method, path, eb.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

// Register creates an account and returns a fresh session.
func (c *Client) Register(ctx context.Context, name, email, password string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/users/register",
		map[string]string{"name": name, "email": email, "password": password}, &s)
	return s, err
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/users/login",
		map[string]string{"email": email, "password": password}, &s)
	return s, err
}

// Profile returns the authenticated user.
func (c *Client) Profile(ctx context.Context) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "/users/profile", nil, &u)
	return u, err
}

// Orders lists the caller's orders (all orders for staff).
func (c *Client) Orders(ctx context.Context) ([]Order, error) {
	var out []Order
	err := c.do(ctx, http.MethodGet, "/orders", nil, &out)
	return out, err
}

// CreateOrder submits a new order.
func (c *Client) CreateOrder(ctx context.Context, o NewOrder) (Order, error) {
	var out Order
	err := c.do(ctx, http.MethodPost, "/orders", o, &out)
	return out, err
}

// Order fetches one order by id.
func (c *Client) Order(ctx context.Context, id string) (Order, error) {
	var out Order
	err := c.do(ctx, http.MethodGet, "/orders/"+id, nil, &out)
	return out, err
}

// UpdateOrderStatus transitions an order (staff operation).
func (c *Client) UpdateOrderStatus(ctx context.Context, id, status string) (Order, error) {
	var out Order
	err := c.do(ctx, http.MethodPatch, "/orders/"+id+"/status",
		map[string]string{"status": status}, &out)
	return out, err
}

// ChatRooms lists every room (staff view).
func (c *Client) ChatRooms(ctx context.Context) ([]ChatRoom, error) {
	var out []ChatRoom
	err := c.do(ctx, http.MethodGet, "/chat", nil, &out)
	return out, err
}

// MyChatRooms lists the caller's own rooms.
func (c *Client) MyChatRooms(ctx context.Context) ([]ChatRoom, error) {
	var out []ChatRoom
	err := c.do(ctx, http.MethodGet, "/chat/my-chats", nil, &out)
	return out, err
}

// ChatRoom fetches one room by id.
func (c *Client) ChatRoom(ctx context.Context, id string) (ChatRoom, error) {
	var out ChatRoom
	err := c.do(ctx, http.MethodGet, "/chat/"+id, nil, &out)
	return out, err
}

// ChatMessages fetches a room's full message history.
func (c *Client) ChatMessages(ctx context.Context, id string) ([]ChatMessage, error) {
	var out []ChatMessage
	err := c.do(ctx, http.MethodGet, "/chat/"+id+"/messages", nil, &out)
	return out, err
}

// CreateChatRoom opens a support room for an order.
func (c *Client) CreateChatRoom(ctx context.Context, orderID string) (ChatRoom, error) {
	var out ChatRoom
	err := c.do(ctx, http.MethodPost, "/chat/rooms",
		map[string]string{"orderId": orderID}, &out)
	return out, err
}

// CloseChatRoom closes a room with a closing summary.
func (c *Client) CloseChatRoom(ctx context.Context, id, summary string) (ChatRoom, error) {
	var out ChatRoom
	err := c.do(ctx, http.MethodPost, "/chat/rooms/"+id+"/close",
		map[string]string{"summary": summary}, &out)
	return out, err
}
