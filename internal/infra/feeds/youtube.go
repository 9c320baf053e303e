// Package feeds reads upload and live-stream state from external platforms.
package feeds

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"guildbell/internal/domain/jobs"
)

// DefaultYouTubeFeedBase is the public per-channel Atom feed.
const DefaultYouTubeFeedBase = "https://www.youtube.com/feeds/videos.xml"

var _ jobs.VideoSource = (*YouTubeFeed)(nil)

// YouTubeFeed reads a channel's uploads from its public Atom feed. The feed
// needs no API key and lists the newest uploads first.
type YouTubeFeed struct {
	base       string
	httpClient *http.Client
}

// NewYouTubeFeed creates a feed reader. An empty base uses the public feed.
func NewYouTubeFeed(base string, timeout time.Duration) *YouTubeFeed {
	if base == "" {
		base = DefaultYouTubeFeedBase
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &YouTubeFeed{base: base, httpClient: &http.Client{Timeout: timeout}}
}

type atomFeed struct {
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	VideoID   string     `xml:"http://www.youtube.com/xml/schemas/2015 videoId"`
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Published string     `xml:"published"`
	Author    struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// LatestVideos returns the channel's feed entries, newest first.
func (f *YouTubeFeed) LatestVideos(ctx context.Context, youtubeChannelID string) ([]jobs.Video, error) {
	u := f.base + "?" + url.Values{"channel_id": {youtubeChannelID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching youtube feed %s: %w", youtubeChannelID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("youtube feed %s: status %d", youtubeChannelID, resp.StatusCode)
	}

	var feed atomFeed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&feed); err != nil {
		return nil, fmt.Errorf("parsing youtube feed %s: %w", youtubeChannelID, err)
	}

	videos := make([]jobs.Video, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		if e.VideoID == "" {
			continue
		}
		v := jobs.Video{
			ID:          e.VideoID,
			ChannelName: e.Author.Name,
			Title:       e.Title,
			URL:         alternateLink(e.Links),
		}
		if v.ChannelName == "" {
			v.ChannelName = feed.Title
		}
		if v.URL == "" {
			v.URL = "https://www.youtube.com/watch?v=" + e.VideoID
		}
		if t, err := time.Parse(time.RFC3339, e.Published); err == nil {
			v.PublishedAt = t
		}
		videos = append(videos, v)
	}
	return videos, nil
}

func alternateLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return l.Href
		}
	}
	return ""
}
