package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"guildbell/internal/domain/jobs"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultHelixBase = "https://api.twitch.tv/helix"
	twitchTokenURL   = "https://id.twitch.tv/oauth2/token"
)

var _ jobs.StreamSource = (*TwitchHelix)(nil)

// TwitchHelix reports live streams through the Helix API using an app access
// token obtained with the client-credentials grant.
type TwitchHelix struct {
	clientID   string
	base       string
	httpClient *http.Client
}

// TwitchConfig configures a TwitchHelix source.
type TwitchConfig struct {
	ClientID     string
	ClientSecret string
	Base         string
	TokenURL     string
	Timeout      time.Duration
}

// NewTwitchHelix creates a Helix stream source. The returned client refreshes
// its app token on expiry.
func NewTwitchHelix(ctx context.Context, cfg TwitchConfig) *TwitchHelix {
	if cfg.Base == "" {
		cfg.Base = DefaultHelixBase
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = twitchTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	httpClient := cc.Client(ctx)
	httpClient.Timeout = cfg.Timeout

	return &TwitchHelix{
		clientID:   cfg.ClientID,
		base:       strings.TrimRight(cfg.Base, "/"),
		httpClient: httpClient,
	}
}

type helixStreams struct {
	Data []struct {
		ID           string    `json:"id"`
		UserLogin    string    `json:"user_login"`
		GameName     string    `json:"game_name"`
		Title        string    `json:"title"`
		StartedAt    time.Time `json:"started_at"`
		ThumbnailURL string    `json:"thumbnail_url"`
	} `json:"data"`
}

// LiveStreams looks up to 100 logins in one request. Offline logins are
// absent from the result.
func (t *TwitchHelix) LiveStreams(ctx context.Context, logins []string) (map[string]jobs.LiveStream, error) {
	if len(logins) == 0 {
		return map[string]jobs.LiveStream{}, nil
	}

	q := url.Values{"first": {"100"}}
	for _, l := range logins {
		q.Add("user_login", l)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/streams?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Client-Id", t.clientID)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying twitch streams: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("twitch streams: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var streams helixStreams
	if err := json.Unmarshal(body, &streams); err != nil {
		return nil, fmt.Errorf("parsing twitch streams: %w", err)
	}

	live := make(map[string]jobs.LiveStream, len(streams.Data))
	for _, s := range streams.Data {
		login := strings.ToLower(s.UserLogin)
		thumb := strings.NewReplacer("{width}", "1280", "{height}", "720").Replace(s.ThumbnailURL)
		live[login] = jobs.LiveStream{
			ID:           s.ID,
			Account:      login,
			Title:        s.Title,
			Game:         s.GameName,
			URL:          "https://twitch.tv/" + login,
			ThumbnailURL: thumb,
			StartedAt:    s.StartedAt,
		}
	}
	return live, nil
}
