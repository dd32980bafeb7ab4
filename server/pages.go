package server

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"time"
)

type pageKind int

const (
	pageInvalid pageKind = iota
	pageExpired
	pageUsed
	pageRateLimited
	pageUnavailable
)

var errorPageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Download link</title>
  <style>
    body { font-family: Arial, sans-serif; text-align: center; padding: 50px; }
    .error { color: #dc3545; font-size: 20px; }
    .info { background: #f8f9fa; padding: 20px; border-radius: 10px; margin: 20px 0; }
  </style>
</head>
<body>
  <div class="error">{{.Message}}</div>
  <div class="info">
    <p>Each download link works only once.</p>
    <p>Links are valid for {{.Validity}}.</p>
    <p>You can request a new link from your purchases.</p>
  </div>
</body>
</html>
`))

type pageData struct {
	Message  string
	Validity string
}

type pageRenderer struct {
	validity string
	messages map[pageKind]string
}

func newPageRenderer(validity time.Duration) *pageRenderer {
	human := humanDuration(validity)
	return &pageRenderer{
		validity: human,
		messages: map[pageKind]string{
			pageInvalid:     "This link is invalid or has expired.",
			pageExpired:     fmt.Sprintf("This link has expired (links are valid for %s).", human),
			pageUsed:        "This link has already been used.",
			pageRateLimited: "Too many attempts. Please wait a minute and try again.",
			pageUnavailable: "The download service is temporarily unavailable. Please try again shortly.",
		},
	}
}

func (p *pageRenderer) render(w http.ResponseWriter, status int, kind pageKind) {
	var buf bytes.Buffer
	if err := errorPageTemplate.Execute(&buf, pageData{Message: p.messages[kind], Validity: p.validity}); err != nil {
		http.Error(w, p.messages[kind], status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// humanDuration renders whole hours or minutes the way the pages phrase them.
func humanDuration(d time.Duration) string {
	plural := func(n int64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int64(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int64(d/time.Minute), "minute")
	default:
		return d.String()
	}
}
