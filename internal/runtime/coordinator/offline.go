package coordinator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/l0p7/streamcache/internal/templates"
)

const defaultOfflineTemplate = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>{{ .URL }} could not be loaded and no saved copy exists.</p>
<p>Cached generation {{ .Version }}, {{ .Time | date "2006-01-02 15:04 MST" }}.</p>
</body>
</html>
`

// placeholderImage stands in for images that are neither cached nor reachable.
var placeholderImage = []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="320" height="180" viewBox="0 0 320 180"><rect width="320" height="180" fill="#d9d9d9"/></svg>`)

type offlineData struct {
	URL     string
	Version string
	Time    time.Time
}

func compileOfflineTemplate(renderer *templates.Renderer, source, path string) (*templates.Template, error) {
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	if path != "" {
		return renderer.CompileFile(path)
	}
	if source == "" {
		source = defaultOfflineTemplate
	}
	return renderer.CompileInline("offline", source)
}

func (c *Coordinator) offlineDocument(url string) *Response {
	body, err := c.offline.Render(offlineData{URL: url, Version: c.Generation().Version, Time: c.now()})
	if err != nil {
		c.logger.Error("offline document render failed", slog.String("url", url), slog.Any("error", err))
		body = []byte("offline")
	}
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	return &Response{Status: http.StatusServiceUnavailable, Header: header, Body: body}
}

func (c *Coordinator) apiUnavailable(url string) *Response {
	body, _ := json.Marshal(map[string]any{
		"error":   "unavailable",
		"message": "the data service is unreachable and no saved response exists",
		"url":     url,
		"offline": true,
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store")
	return &Response{Status: http.StatusServiceUnavailable, Header: header, Body: body}
}

func placeholder() *Response {
	header := http.Header{}
	header.Set("Content-Type", "image/svg+xml")
	header.Set("Content-Length", strconv.Itoa(len(placeholderImage)))
	header.Set(HeaderPlaceholder, "1")
	return &Response{Status: http.StatusOK, Header: header, Body: append([]byte(nil), placeholderImage...)}
}

func unavailable() *Response {
	header := http.Header{}
	header.Set("Cache-Control", "no-store")
	return &Response{Status: http.StatusServiceUnavailable, Header: header}
}
