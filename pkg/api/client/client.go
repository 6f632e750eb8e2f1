package client

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

// DefaultBaseURL is used when no API address is configured.
const DefaultBaseURL = "http://localhost:4000"

// Client provides typed access to the NUT API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API address.
func (c *Client) BaseURL() string { return c.baseURL }

// APIError represents an error response from the API. Kind is set for
// lifecycle failures (not_found, invalid_state, ownership_mismatch...).
type APIError struct {
	Status  int
	Message string
	Kind    string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, kind := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg, Kind: kind}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) (string, string) {
	if body == nil {
		return "", ""
	}
	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "", ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data)), ""
	}
	return strings.TrimSpace(payload.Error), payload.Kind
}

// User reflects API user payloads.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile is a client or operator profile.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	NutCoins  int       `json:"nut_coins"`
	CompanyID *string   `json:"company_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Company is a partner lending containers.
type Company struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	UserID              string    `json:"user_id"`
	PointsPerDeconsigne int       `json:"points_per_deconsigne"`
	CreatedAt           time.Time `json:"created_at"`
}

// Container is a reusable container.
type Container struct {
	ID             string    `json:"id"`
	Type           string    `json:"container_type"`
	Status         string    `json:"status"`
	OwnerCompanyID string    `json:"current_owner_company_id"`
	HolderClientID *string   `json:"current_holder_client_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction is a ledger entry.
type Transaction struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	ContainerID   string    `json:"container_id"`
	ClientID      string    `json:"client_id"`
	CompanyID     string    `json:"company_id"`
	NutCoinsDelta int       `json:"nut_coins_delta"`
	Timestamp     time.Time `json:"timestamp"`
}

// Session is the authenticated caller.
type Session struct {
	User    User     `json:"user"`
	Profile Profile  `json:"profile"`
	Company *Company `json:"company,omitempty"`
}

// TokenPair includes access and refresh tokens.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AuthResponse is returned by signup and login.
type AuthResponse struct {
	Session Session   `json:"session"`
	Tokens  TokenPair `json:"tokens"`
}

// SignupInput registers an account. CompanyName and PointsPerDeconsigne
// apply to the entreprise role only.
type SignupInput struct {
	Email               string `json:"email"`
	Password            string `json:"password"`
	Name                string `json:"name"`
	Role                string `json:"role,omitempty"`
	CompanyName         string `json:"company_name,omitempty"`
	PointsPerDeconsigne *int   `json:"points_per_deconsigne,omitempty"`
}

// Signup creates an account and signs it in.
func (c *Client) Signup(ctx context.Context, input SignupInput) (AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/signup", input, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (AuthResponse, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Refresh rotates a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var resp struct {
		Tokens TokenPair `json:"tokens"`
	}
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", body, "", &resp); err != nil {
		return TokenPair{}, err
	}
	return resp.Tokens, nil
}

// Logout revokes the access token.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, token, nil)
}

// Me returns the caller's session.
func (c *Client) Me(ctx context.Context, token string) (Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/me", nil, token, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// MyQR returns the QR payload identifying the calling client.
func (c *Client) MyQR(ctx context.Context, token string) (string, error) {
	var resp struct {
		Payload string `json:"payload"`
	}
	if err := c.do(ctx, http.MethodGet, "/me/qr", nil, token, &resp); err != nil {
		return "", err
	}
	return resp.Payload, nil
}

// DashboardStats holds the counters of either dashboard; only the fields of
// the caller's role are filled.
type DashboardStats struct {
	NutCoins        int `json:"nut_coins"`
	ContainersInUse int `json:"containers_in_use"`
	DeconsigneCount int `json:"deconsigne_count"`
	TotalEarned     int `json:"total_earned"`
	Total           int `json:"total"`
	Available       int `json:"available"`
	InUse           int `json:"in_use"`
}

// Dashboard is the client or company dashboard, depending on the caller.
type Dashboard struct {
	Profile      *Profile       `json:"profile,omitempty"`
	Company      *Company       `json:"company,omitempty"`
	Containers   []Container    `json:"containers"`
	Transactions []Transaction  `json:"transactions"`
	Stats        DashboardStats `json:"stats"`
}

// Dashboard loads the caller's dashboard.
func (c *Client) Dashboard(ctx context.Context, token string) (Dashboard, error) {
	var dash Dashboard
	if err := c.do(ctx, http.MethodGet, "/dashboard", nil, token, &dash); err != nil {
		return Dashboard{}, err
	}
	return dash, nil
}

// Profile fetches a client profile by id.
func (c *Client) Profile(ctx context.Context, token, id string) (Profile, error) {
	path := fmt.Sprintf("/profiles/%s", url.PathEscape(id))
	var profile Profile
	if err := c.do(ctx, http.MethodGet, path, nil, token, &profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Container fetches a container by id.
func (c *Client) Container(ctx context.Context, token, id string) (Container, error) {
	path := fmt.Sprintf("/containers/%s", url.PathEscape(id))
	var container Container
	if err := c.do(ctx, http.MethodGet, path, nil, token, &container); err != nil {
		return Container{}, err
	}
	return container, nil
}

// HeldContainers lists the containers a client holds for the caller's company.
func (c *Client) HeldContainers(ctx context.Context, token, clientID string) ([]Container, error) {
	path := fmt.Sprintf("/containers?client_id=%s", url.QueryEscape(clientID))
	var resp struct {
		Containers []Container `json:"containers"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

// OperationResult is returned by consigne and deconsigne.
type OperationResult struct {
	Container      Container   `json:"container"`
	Transaction    Transaction `json:"transaction"`
	NutCoinsEarned int         `json:"nut_coins_earned"`
}

// Consigne lends a container to a client.
func (c *Client) Consigne(ctx context.Context, token, clientID, containerID string) (OperationResult, error) {
	return c.operation(ctx, "/operations/consigne", token, clientID, containerID)
}

// Deconsigne takes a container back from a client.
func (c *Client) Deconsigne(ctx context.Context, token, clientID, containerID string) (OperationResult, error) {
	return c.operation(ctx, "/operations/deconsigne", token, clientID, containerID)
}

func (c *Client) operation(ctx context.Context, path, token, clientID, containerID string) (OperationResult, error) {
	body := map[string]string{
		"client_id":    clientID,
		"container_id": containerID,
	}
	var res OperationResult
	if err := c.do(ctx, http.MethodPost, path, body, token, &res); err != nil {
		return OperationResult{}, err
	}
	return res, nil
}
