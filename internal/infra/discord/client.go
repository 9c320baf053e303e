// Package discord delivers messages through the Discord REST API.
package discord

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

	"guildbell/internal/domain/jobs"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const DefaultAPIBase = "https://discord.com/api/v10"

var _ jobs.Delivery = (*Client)(nil)

// Config configures a Client.
type Config struct {
	Token             string
	APIBase           string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Client posts messages as a bot user. All outbound calls share one token
// bucket and one circuit breaker.
type Client struct {
	token      string
	apiBase    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a Discord REST client.
func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "discord",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// A 4xx for one channel says nothing about Discord's health.
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
			}
			return err == nil
		},
	})

	return &Client{
		token:      cfg.Token,
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker:    breaker,
	}
}

// APIError is a non-2xx answer from Discord.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("discord API error: status %d", e.Status)
	}
	return fmt.Sprintf("discord API error: status %d: %s (code %d)", e.Status, e.Message, e.Code)
}

type messageResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// SendChannelMessage posts msg into a guild channel.
func (c *Client) SendChannelMessage(ctx context.Context, channelID string, msg jobs.Message) (*jobs.SentMessage, error) {
	body, err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", msg)
	if err != nil {
		return nil, err
	}

	var resp messageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing discord message response: %w", err)
	}
	if resp.ChannelID == "" {
		resp.ChannelID = channelID
	}
	return &jobs.SentMessage{ID: resp.ID, ChannelID: resp.ChannelID}, nil
}

// SendDirectMessage opens (or reuses) the DM channel with userID and posts
// msg into it.
func (c *Client) SendDirectMessage(ctx context.Context, userID string, msg jobs.Message) (*jobs.SentMessage, error) {
	body, err := c.do(ctx, http.MethodPost, "/users/@me/channels", map[string]string{"recipient_id": userID})
	if err != nil {
		return nil, fmt.Errorf("opening DM channel: %w", err)
	}

	var channel struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &channel); err != nil {
		return nil, fmt.Errorf("parsing DM channel response: %w", err)
	}
	if channel.ID == "" {
		return nil, fmt.Errorf("discord returned no DM channel for user %s", userID)
	}

	return c.SendChannelMessage(ctx, channel.ID, msg)
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling discord payload: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for discord rate limit: %w", err)
	}

	return c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bot "+c.token)
		req.Header.Set("User-Agent", "DiscordBot (guildbell, 1.0)")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("executing request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB max
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}

		if resp.StatusCode >= 400 {
			var errResp struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			}
			_ = json.Unmarshal(respBody, &errResp)
			return nil, &APIError{Status: resp.StatusCode, Code: errResp.Code, Message: errResp.Message}
		}

		return respBody, nil
	})
}
