package http1

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittoweb/internal/buffer"
	"github.com/marmos91/dittoweb/internal/logger"
)

// MaxPathLen bounds the resolved filesystem path of a request.
const MaxPathLen = 4096

// ResponseConfig holds the per-server settings shared by every response.
type ResponseConfig struct {
	// Root is the document root every request path is resolved under
	Root string

	// KeepAliveMax is advertised in the Keep-Alive header
	KeepAliveMax int

	// KeepAliveTimeout is advertised in the Keep-Alive header (whole seconds)
	KeepAliveTimeout time.Duration
}

// Response builds the status line and headers into a buffer and owns the memory
// mapping of the file sent as body.
//
// At most one mapping is live per Response. Init, Reset and Release all unmap the
// previous file, so none of them can leak a mapping and each may be called
// repeatedly.
type Response struct {
	cfg ResponseConfig

	code      int
	keepAlive bool
	path      string
	file      *MappedFile
	bodyLen   int

	// rootReal is the document root with symlinks resolved, set on first use
	rootReal string
}

// NewResponse creates an empty response.
func NewResponse(cfg ResponseConfig) *Response {
	return &Response{cfg: cfg}
}

// Init prepares the response for path. A zero code lets Build resolve the status
// from the filesystem; a non-zero code (400, 413, 500) is kept as is.
func (r *Response) Init(p string, keepAlive bool, code int) {
	r.Release()
	r.code = code
	r.keepAlive = keepAlive
	r.path = p
	r.bodyLen = 0
}

// Reset returns the response to its empty state.
func (r *Response) Reset() {
	r.Init("", false, 0)
}

// Release unmaps the body file, if any.
func (r *Response) Release() {
	if r.file == nil {
		return
	}
	if err := r.file.Release(); err != nil {
		logger.Warn("Failed to unmap %s: %v", r.path, err)
	}
	r.file = nil
}

// Code returns the status code chosen by Build.
func (r *Response) Code() int { return r.code }

// KeepAlive reports whether the connection stays open after this response.
func (r *Response) KeepAlive() bool { return r.keepAlive }

// Path returns the path actually served, error pages included.
func (r *Response) Path() string { return r.path }

// File returns the mapped body bytes, or nil when the body was written inline.
func (r *Response) File() []byte { return r.file.Bytes() }

// BodyLen returns the Content-Length sent.
func (r *Response) BodyLen() int { return r.bodyLen }

// Build writes the status line, headers and any inline body into buf and maps the
// body file.
func (r *Response) Build(buf *buffer.Buffer) {
	if r.code == 0 {
		r.code = r.resolve()
	}
	if page, ok := ErrorPagePath(r.code); ok {
		r.path = page
	}

	contentType := ContentType(r.path)
	inline := ""

	full, ok := r.fullPath(r.path)
	if ok && r.within(full) {
		file, err := MapFile(full)
		switch {
		case err == nil:
			r.file = file
			r.bodyLen = file.Len()
		case errors.Is(err, ErrMapFailed):
			logger.Error("Failed to map %s: %v", full, err)
			r.code = StatusInternalServerError
			r.keepAlive = false
			inline = errorBody(r.code, "File Mapping Failed!")
		default:
			inline = errorBody(r.code, "File Not Found!")
		}
	} else {
		inline = errorBody(r.code, "File Not Found!")
	}

	if inline != "" {
		contentType = "text/html"
		r.bodyLen = len(inline)
	}

	r.writeStatusLine(buf)
	r.writeHeaders(buf, contentType)
	buf.AppendString(inline)
}

// resolve maps the requested path to a status: 404 for anything that is not a
// regular file inside the root, 403 for files that are not world-readable, 400
// for paths that are too long.
func (r *Response) resolve() int {
	full, ok := r.fullPath(r.path)
	if !ok {
		return StatusBadRequest
	}
	if !r.within(full) {
		return StatusNotFound
	}
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return StatusNotFound
	}
	if info.Mode().Perm()&0o004 == 0 {
		return StatusForbidden
	}
	return StatusOK
}

// fullPath joins p to the document root. The path is cleaned as an absolute path
// first, so ".." segments can never climb above the root.
func (r *Response) fullPath(p string) (string, bool) {
	clean := path.Clean("/" + p)
	full := filepath.Join(r.cfg.Root, filepath.FromSlash(clean))
	if len(full) > MaxPathLen {
		return "", false
	}
	return full, true
}

// within reports whether full still lies under the root once symlinks are
// followed. Paths that do not resolve are left to stat, which reports them as
// missing.
func (r *Response) within(full string) bool {
	target, err := filepath.EvalSymlinks(full)
	if err != nil {
		return true
	}
	if target, err = filepath.Abs(target); err != nil {
		return false
	}
	if r.rootReal == "" {
		root, err := filepath.EvalSymlinks(r.cfg.Root)
		if err != nil {
			root = r.cfg.Root
		}
		if root, err = filepath.Abs(root); err != nil {
			return false
		}
		r.rootReal = root
	}
	rel, err := filepath.Rel(r.rootReal, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (r *Response) writeStatusLine(buf *buffer.Buffer) {
	text, ok := statusText[r.code]
	if !ok {
		r.code = StatusBadRequest
		text = statusText[StatusBadRequest]
	}
	buf.Printf("HTTP/1.1 %d %s\r\n", r.code, text)
}

func (r *Response) writeHeaders(buf *buffer.Buffer, contentType string) {
	if r.keepAlive {
		buf.AppendString("Connection: keep-alive\r\n")
		buf.Printf("Keep-Alive: max=%d, timeout=%d\r\n", r.cfg.KeepAliveMax, int(r.cfg.KeepAliveTimeout/time.Second))
	} else {
		buf.AppendString("Connection: close\r\n")
	}
	buf.Printf("Content-Type: %s\r\n", contentType)
	buf.Printf("Content-Length: %d\r\n\r\n", r.bodyLen)
}

func errorBody(code int, message string) string {
	text, ok := statusText[code]
	if !ok {
		code, text = StatusBadRequest, statusText[StatusBadRequest]
	}
	return fmt.Sprintf("<html><title>Error</title><body bgcolor=\"ffffff\">%d : %s\n<p>%s</p><hr><em>DittoWeb</em></body></html>",
		code, text, message)
}
