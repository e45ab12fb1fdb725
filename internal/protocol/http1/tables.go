package http1

import (
	"path"
	"strings"
)

// Status codes produced by the engine.
const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusPayloadTooLarge     = 413
	StatusInternalServerError = 500
)

var statusText = map[int]string{
	StatusOK:                  "OK",
	StatusBadRequest:          "Bad Request",
	StatusForbidden:           "Forbidden",
	StatusNotFound:            "Not Found",
	StatusPayloadTooLarge:     "Payload Too Large",
	StatusInternalServerError: "Internal Server Error",
}

// errorPages maps a status to the page served instead of the requested path.
var errorPages = map[int]string{
	StatusBadRequest:          "/400.html",
	StatusForbidden:           "/403.html",
	StatusNotFound:            "/404.html",
	StatusPayloadTooLarge:     "/413.html",
	StatusInternalServerError: "/500.html",
}

// suffixTypes is the Content-Type table keyed by lower-case file extension.
var suffixTypes = map[string]string{
	".html":  "text/html",
	".xml":   "text/xml",
	".xhtml": "application/xhtml+xml",
	".txt":   "text/plain",
	".rtf":   "application/rtf",
	".pdf":   "application/pdf",
	".word":  "application/nsword",
	".png":   "image/png",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".au":    "audio/basic",
	".mpeg":  "video/mpeg",
	".mpg":   "video/mpeg",
	".avi":   "video/x-msvideo",
	".gz":    "application/x-gzip",
	".tar":   "application/x-tar",
	".css":   "text/css",
	".js":    "text/javascript",
}

// defaultPages are the extensionless paths that get ".html" appended.
var defaultPages = map[string]struct{}{
	"/index":    {},
	"/register": {},
	"/login":    {},
	"/welcome":  {},
	"/video":    {},
	"/picture":  {},
}

// Pages the credential flow redirects to.
const (
	WelcomePage  = "/welcome.html"
	ErrorPage    = "/error.html"
	LoginPage    = "/login.html"
	RegisterPage = "/register.html"
)

// StatusText returns the reason phrase for code, or "" if the engine does not
// produce it.
func StatusText(code int) string {
	return statusText[code]
}

// ContentType returns the Content-Type for a file path.
func ContentType(p string) string {
	if t, ok := suffixTypes[strings.ToLower(path.Ext(p))]; ok {
		return t
	}
	return "text/plain"
}

// ErrorPagePath returns the page substituted for a non-200 status.
func ErrorPagePath(code int) (string, bool) {
	p, ok := errorPages[code]
	return p, ok
}
