package http1

import (
	"errors"
	"fmt"
	"net/textproto"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/marmos91/dittoweb/internal/buffer"
)

var (
	// ErrBadRequest covers malformed request lines, header lines and lengths.
	ErrBadRequest = errors.New("http1: bad request")

	// ErrBodyTooLarge is returned when Content-Length exceeds the configured maximum.
	ErrBodyTooLarge = errors.New("http1: request body too large")
)

const (
	// MaxLineBytes bounds a request or header line, terminator excluded.
	MaxLineBytes = 8 * 1024

	// MaxHeaders bounds the number of header lines per request.
	MaxHeaders = 100

	// DefaultMaxBodyBytes is used when a request is created with a non-positive limit.
	DefaultMaxBodyBytes = 1 << 20

	formContentType = "application/x-www-form-urlencoded"
)

var (
	requestLinePattern = regexp.MustCompile(`^([A-Z]+) ([^ ]+) HTTP/([^ ]+)$`)
	headerLinePattern  = regexp.MustCompile(`^([^:]*): ?(.*)$`)
)

// ParseState is the position of the request state machine.
type ParseState int

const (
	StateRequestLine ParseState = iota
	StateHeaders
	StateBody
	StateComplete
)

func (s ParseState) String() string {
	switch s {
	case StateRequestLine:
		return "request-line"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// AuthAction identifies the credential operation a request asks for.
type AuthAction int

const (
	AuthNone AuthAction = iota
	AuthLogin
	AuthRegister
)

func (a AuthAction) String() string {
	switch a {
	case AuthLogin:
		return "login"
	case AuthRegister:
		return "register"
	default:
		return "none"
	}
}

// Request is an incrementally parsed HTTP/1.x request.
//
// Parse may be called any number of times as bytes arrive; the state machine keeps
// its position between calls and consumes bytes from the buffer as it goes. Bytes
// after a complete request are left in the buffer for the next one.
type Request struct {
	Method  string
	Path    string
	Query   string
	Version string
	Header  map[string]string
	Body    []byte
	Form    map[string]string

	state         ParseState
	headerCount   int
	contentLength int
	maxBodyBytes  int
}

// NewRequest creates a request accepting bodies up to maxBodyBytes.
func NewRequest(maxBodyBytes int) *Request {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Request{
		Header:       make(map[string]string),
		Form:         make(map[string]string),
		maxBodyBytes: maxBodyBytes,
	}
}

// Reset prepares the request for the next message on the same connection.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.Query = ""
	r.Version = ""
	r.Body = r.Body[:0]
	clear(r.Header)
	clear(r.Form)
	r.state = StateRequestLine
	r.headerCount = 0
	r.contentLength = 0
}

// State returns the current parse state.
func (r *Request) State() ParseState {
	return r.state
}

// Parse advances the state machine with the bytes readable in buf. It returns true
// once the request is complete and false when more data is needed.
func (r *Request) Parse(buf *buffer.Buffer) (bool, error) {
	for r.state != StateComplete {
		if r.state == StateBody {
			if buf.ReadableBytes() < r.contentLength {
				return false, nil
			}
			r.Body = append(r.Body[:0], buf.Peek()[:r.contentLength]...)
			buf.Retrieve(r.contentLength)
			r.parseBody()
			r.state = StateComplete
			break
		}

		idx := buf.IndexCRLF()
		if idx < 0 {
			if buf.ReadableBytes() > MaxLineBytes {
				return false, fmt.Errorf("%w: line exceeds %d bytes", ErrBadRequest, MaxLineBytes)
			}
			return false, nil
		}
		if idx > MaxLineBytes {
			return false, fmt.Errorf("%w: line exceeds %d bytes", ErrBadRequest, MaxLineBytes)
		}

		line := string(buf.Peek()[:idx])
		buf.RetrieveLine(idx)

		switch r.state {
		case StateRequestLine:
			if err := r.parseRequestLine(line); err != nil {
				return false, err
			}
			r.state = StateHeaders
		case StateHeaders:
			if line == "" {
				if err := r.endHeaders(); err != nil {
					return false, err
				}
				continue
			}
			if err := r.parseHeader(line); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

func (r *Request) parseRequestLine(line string) error {
	m := requestLinePattern.FindStringSubmatch(line)
	if m == nil {
		return fmt.Errorf("%w: malformed request line %q", ErrBadRequest, line)
	}
	if m[3] != "1.0" && m[3] != "1.1" {
		return fmt.Errorf("%w: unsupported version HTTP/%s", ErrBadRequest, m[3])
	}

	target := m[2]
	if !strings.HasPrefix(target, "/") {
		return fmt.Errorf("%w: target %q is not an absolute path", ErrBadRequest, target)
	}
	if i := strings.IndexByte(target, '?'); i >= 0 {
		r.Query = target[i+1:]
		target = target[:i]
	}
	decoded, err := url.PathUnescape(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	r.Method = m[1]
	r.Path = rewritePath(decoded)
	r.Version = m[3]
	return nil
}

// rewritePath maps "/" to the index page and the known extensionless pages to
// their .html file.
func rewritePath(p string) string {
	if p == "/" {
		return "/index.html"
	}
	if _, ok := defaultPages[p]; ok {
		return p + ".html"
	}
	return p
}

func (r *Request) parseHeader(line string) error {
	r.headerCount++
	if r.headerCount > MaxHeaders {
		return fmt.Errorf("%w: more than %d headers", ErrBadRequest, MaxHeaders)
	}

	m := headerLinePattern.FindStringSubmatch(line)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return fmt.Errorf("%w: malformed header line %q", ErrBadRequest, line)
	}
	key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(m[1]))
	r.Header[key] = strings.TrimRight(m[2], " \t")
	return nil
}

func (r *Request) endHeaders() error {
	raw := r.Header["Content-Length"]
	if raw == "" {
		r.state = StateComplete
		return nil
	}

	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return fmt.Errorf("%w: invalid Content-Length %q", ErrBadRequest, raw)
	}
	if n > r.maxBodyBytes {
		return fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, n, r.maxBodyBytes)
	}
	if n == 0 {
		r.state = StateComplete
		return nil
	}

	r.contentLength = n
	r.state = StateBody
	return nil
}

// parseBody decodes urlencoded POST forms. Other bodies are kept verbatim.
func (r *Request) parseBody() {
	if r.Method != "POST" || !r.isForm() {
		return
	}
	for _, pair := range strings.Split(string(r.Body), "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		r.Form[unescapeForm(key)] = unescapeForm(value)
	}
}

func (r *Request) isForm() bool {
	mediaType, _, _ := strings.Cut(r.Header["Content-Type"], ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), formContentType)
}

// unescapeForm decodes "+" and %XX, keeping the raw text if an escape is malformed.
func unescapeForm(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

// Get returns a header value by case-insensitive name.
func (r *Request) Get(name string) string {
	return r.Header[textproto.CanonicalMIMEHeaderKey(name)]
}

// IsKeepAlive reports whether the client asked to reuse the connection.
func (r *Request) IsKeepAlive() bool {
	return r.Version == "1.1" && strings.EqualFold(r.Get("Connection"), "keep-alive")
}

// AuthAction returns the credential operation for urlencoded POSTs to the login or
// register pages.
func (r *Request) AuthAction() AuthAction {
	if r.state != StateComplete || r.Method != "POST" || !r.isForm() {
		return AuthNone
	}
	switch r.Path {
	case LoginPage:
		return AuthLogin
	case RegisterPage:
		return AuthRegister
	default:
		return AuthNone
	}
}
