package retrieve

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/groupcache/singleflight"
)

var (
	// ErrNotFound means the server confirmed the resource does not exist.
	ErrNotFound = errors.New("resource not found upstream")
	// ErrTransient covers network failures and server errors worth retrying later.
	ErrTransient = errors.New("transient retrieval failure")
	// ErrMalformed means the server answered but the payload is unusable.
	ErrMalformed = errors.New("malformed payload")
)

const (
	DefaultConnectTimeout = 8 * time.Second
	DefaultReadTimeout    = 5 * time.Second

	maxBodyBytes = 64 << 20
)

// Request describes one fetch.
type Request struct {
	URL            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// PackagedEntry marks a body that is a zip archive whose first entry is the resource.
	PackagedEntry bool
	// AllowText accepts text/* responses, which are otherwise treated as error pages.
	AllowText bool
}

// Retriever fetches the bytes of a remote resource.
type Retriever interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type connectTimeoutKey struct{}

// HTTPRetriever fetches over HTTP(S) and classifies failures into
// ErrNotFound, ErrTransient and ErrMalformed.
type HTTPRetriever struct {
	client    *http.Client
	userAgent string
}

func NewHTTPRetriever(userAgent string) *HTTPRetriever {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		timeout, _ := ctx.Value(connectTimeoutKey{}).(time.Duration)
		if timeout <= 0 {
			timeout = DefaultConnectTimeout
		}
		d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		return d.DialContext(ctx, network, addr)
	}
	transport.MaxIdleConnsPerHost = 16

	return &HTTPRetriever{
		client:    &http.Client{Transport: transport},
		userAgent: userAgent,
	}
}

func (r *HTTPRetriever) Fetch(ctx context.Context, req Request) ([]byte, error) {
	connect := req.ConnectTimeout
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	read := req.ReadTimeout
	if read <= 0 {
		read = DefaultReadTimeout
	}

	ctx = context.WithValue(ctx, connectTimeoutKey{}, connect)
	ctx, cancel := context.WithTimeout(ctx, connect+read)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url %q: %v", ErrNotFound, req.URL, err)
	}
	if r.userAgent != "" {
		httpReq.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s returned %d", err, req.URL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !req.AllowText && strings.HasPrefix(strings.ToLower(contentType), "text/") {
		return nil, fmt.Errorf("%w: %s returned %s content", ErrNotFound, req.URL, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrTransient, req.URL, err)
	}
	// an empty text resource is a valid tile with no records
	if len(body) == 0 && !req.AllowText {
		return nil, fmt.Errorf("%w: %s returned an empty body", ErrMalformed, req.URL)
	}

	if req.PackagedEntry {
		return firstZipEntry(body)
	}
	return body, nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ErrTransient
	default:
		return ErrNotFound
	}
}

func firstZipEntry(body []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: empty archive", ErrMalformed)
}

// Loader collapses concurrent fetches of the same URL into a single request.
type Loader struct {
	r Retriever
	g singleflight.Group
}

func NewLoader(r Retriever) *Loader {
	return &Loader{r: r}
}

func (l *Loader) Fetch(ctx context.Context, req Request) ([]byte, error) {
	v, err := l.g.Do(req.URL, func() (interface{}, error) {
		return l.r.Fetch(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
