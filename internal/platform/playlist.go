package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ytget/dlsched/internal/model"
	"github.com/ytget/ytdlp/v2"
)

// Timeout constants
const (
	DefaultParseTimeout = 60 * time.Second
)

// URL parameters and separators
const (
	PlaylistParam  = "list="
	ParamSeparator = "&"
)

// URL templates
const (
	YouTubeVideoURLTemplate = "https://www.youtube.com/watch?v=%s"
	ContentIDPrefix         = "yt:"
)

// Playlist title constants
const (
	DefaultPlaylistName = "Unknown Playlist"
	MinPrefixLength     = 10
	PlaylistSuffix      = " Playlist"
)

// PlaylistItem is one video of a playlist
type PlaylistItem struct {
	VideoID string
	Title   string
}

// PlaylistSource lists the items of a playlist
type PlaylistSource interface {
	Items(ctx context.Context, playlistID string) ([]PlaylistItem, error)
}

// YTDLPSource reads playlists through the ytdlp library
type YTDLPSource struct{}

// Items fetches every playlist item
func (YTDLPSource) Items(ctx context.Context, playlistID string) ([]PlaylistItem, error) {
	d := ytdlp.New()
	items, err := d.GetPlaylistItemsAll(ctx, playlistID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get playlist items: %w", err)
	}

	out := make([]PlaylistItem, 0, len(items))
	for _, it := range items {
		out = append(out, PlaylistItem{VideoID: it.VideoID, Title: it.Title})
	}
	return out, nil
}

// Expansion is a playlist turned into a batch of tasks
type Expansion struct {
	PlaylistID string
	Title      string
	Tasks      []model.Task
}

// PlaylistExpander turns playlist URLs into batches of download tasks
type PlaylistExpander struct {
	source  PlaylistSource
	timeout time.Duration
	clock   func() time.Time
}

// NewPlaylistExpander creates an expander; a nil source uses YTDLPSource
func NewPlaylistExpander(source PlaylistSource) *PlaylistExpander {
	if source == nil {
		source = YTDLPSource{}
	}
	return &PlaylistExpander{
		source:  source,
		timeout: DefaultParseTimeout,
		clock:   time.Now,
	}
}

// SetTimeout sets the timeout for listing a playlist
func (p *PlaylistExpander) SetTimeout(timeout time.Duration) {
	p.timeout = timeout
}

// Expand lists the playlist behind url and returns one task per video, in
// playlist order, all at priority.
func (p *PlaylistExpander) Expand(ctx context.Context, url string, priority model.Priority) (*Expansion, error) {
	if !IsPlaylistURL(url) {
		return nil, fmt.Errorf("invalid playlist URL: %s", url)
	}
	playlistID := ExtractPlaylistID(url)
	if playlistID == "" {
		return nil, fmt.Errorf("could not extract playlist ID from URL: %s", url)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	items, err := p.source.Items(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("playlist %s is empty", playlistID)
	}

	created := p.clock()
	tasks := make([]model.Task, 0, len(items))
	for i, it := range items {
		task := model.NewTask(fmt.Sprintf(YouTubeVideoURLTemplate, it.VideoID), priority)
		task.Title = it.Title
		task.Group = playlistID
		task.ContentID = ContentIDPrefix + it.VideoID
		// keeps playlist order among equal priorities
		task.CreatedAt = created.Add(time.Duration(i) * time.Microsecond)
		tasks = append(tasks, task)
	}

	return &Expansion{
		PlaylistID: playlistID,
		Title:      playlistTitle(items),
		Tasks:      tasks,
	}, nil
}

// IsPlaylistURL checks if the URL carries a playlist parameter
func IsPlaylistURL(url string) bool {
	return strings.Contains(url, PlaylistParam)
}

// ExtractPlaylistID extracts the first playlist ID from the URL
func ExtractPlaylistID(url string) string {
	parts := strings.SplitN(url, PlaylistParam, 2)
	if len(parts) < 2 {
		return ""
	}
	id, _, _ := strings.Cut(parts[1], ParamSeparator)
	return id
}

// playlistTitle derives a title from the shared prefix of the first two items
func playlistTitle(items []PlaylistItem) string {
	if len(items) == 0 {
		return DefaultPlaylistName
	}
	if len(items) > 1 {
		prefix := findCommonPrefix(items[0].Title, items[1].Title)
		if len(prefix) > MinPrefixLength {
			return strings.TrimSpace(prefix) + PlaylistSuffix
		}
	}
	return items[0].Title + PlaylistSuffix
}

func findCommonPrefix(s1, s2 string) string {
	minLen := min(len(s1), len(s2))
	for i := 0; i < minLen; i++ {
		if s1[i] != s2[i] {
			return s1[:i]
		}
	}
	return s1[:minLen]
}
