// Package client talks to the Waste Patrol backend that stores citizen reports.
package client

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

var (
	// ErrUnreachable wraps transport failures: the backend is not running.
	ErrUnreachable = errors.New("backend unreachable")
	// ErrNoOverview is returned when dashboard stats carry no overview block.
	ErrNoOverview = errors.New("dashboard stats have no overview")
)

// StatusError is an unexpected HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

type RegisterOutcome int

const (
	Registered RegisterOutcome = iota
	AlreadyExists
)

type Registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type Report struct {
	ID       string `json:"_id"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

type Overview struct {
	TotalReports      int `json:"totalReports"`
	PendingReports    int `json:"pendingReports"`
	InProgressReports int `json:"inProgressReports"`
	ResolvedReports   int `json:"resolvedReports"`
}

// Backend is a client for the backend's /api routes.
type Backend struct {
	baseURL string
	client  *http.Client
}

// NewBackend takes the server root, e.g. http://localhost:5000.
func NewBackend(baseURL string, timeout time.Duration) *Backend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Backend{
		baseURL: strings.TrimRight(baseURL, "/") + "/api",
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *Backend) URL() string {
	return b.baseURL
}

// Health returns the decoded health body.
func (b *Backend) Health(ctx context.Context) (map[string]any, error) {
	status, body, err := b.do(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: string(body)}
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return out, nil
}

// Register treats 400 as an existing account.
func (b *Backend) Register(ctx context.Context, reg Registration) (RegisterOutcome, error) {
	status, body, err := b.do(ctx, http.MethodPost, "/auth/register", "", reg)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusCreated:
		return Registered, nil
	case http.StatusBadRequest:
		return AlreadyExists, nil
	default:
		return 0, &StatusError{StatusCode: status, Body: string(body)}
	}
}

// Login returns the bearer token.
func (b *Backend) Login(ctx context.Context, email, password string) (string, error) {
	status, body, err := b.do(ctx, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &StatusError{StatusCode: status, Body: string(body)}
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode login: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("login response has no token")
	}
	return out.Token, nil
}

func (b *Backend) Reports(ctx context.Context, token string) ([]Report, error) {
	status, body, err := b.do(ctx, http.MethodGet, "/reports", token, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: string(body)}
	}
	var out struct {
		Reports []Report `json:"reports"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode reports: %w", err)
	}
	if out.Reports == nil {
		out.Reports = []Report{}
	}
	return out.Reports, nil
}

func (b *Backend) DashboardStats(ctx context.Context, token string) (*Overview, error) {
	status, body, err := b.do(ctx, http.MethodGet, "/dashboard/stats", token, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: string(body)}
	}
	var out struct {
		Success bool `json:"success"`
		Data    struct {
			Overview *Overview `json:"overview"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode dashboard stats: %w", err)
	}
	if !out.Success || out.Data.Overview == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoOverview, strings.TrimSpace(string(body)))
	}
	return out.Data.Overview, nil
}

func (b *Backend) do(ctx context.Context, method, path, token string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	return resp.StatusCode, body, nil
}
