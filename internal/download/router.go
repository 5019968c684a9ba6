package download

import (
	"context"
	"net/url"
	"strings"
)

type route struct {
	match    func(rawURL string) bool
	transfer Transfer
}

// Router picks a transfer per source URL. Routes are tried in the order
// they were added; unmatched URLs go to the fallback.
type Router struct {
	routes   []route
	fallback Transfer
}

// NewRouter creates a router sending unmatched URLs to fallback
func NewRouter(fallback Transfer) *Router {
	return &Router{fallback: fallback}
}

// Handle routes URLs accepted by match to t
func (r *Router) Handle(match func(rawURL string) bool, t Transfer) *Router {
	r.routes = append(r.routes, route{match: match, transfer: t})
	return r
}

// Start implements Transfer
func (r *Router) Start(ctx context.Context, req TransferRequest) (TransferResult, error) {
	for _, rt := range r.routes {
		if rt.match(req.URL) {
			return rt.transfer.Start(ctx, req)
		}
	}
	return r.fallback.Start(ctx, req)
}

// IsVideoPage reports whether rawURL is a YouTube watch, shorts or short-link page
func IsVideoPage(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtu.be":
		return len(strings.Trim(u.Path, "/")) > 0
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		return (u.Path == "/watch" && u.Query().Get("v") != "") ||
			strings.HasPrefix(u.Path, "/shorts/")
	}
	return false
}
