// Package fetcher implements the HTTP Source described in spec.md §4.4:
// range request formation, 200/204/206/404/other response classification,
// and whitelisted header propagation. It generalizes the teacher's
// internal/proxy/upstream.go (one http.Client, Range/If-Range forwarding)
// from a registry-proxy passthrough into a URL-addressed byte Source.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/danielloader/webcache/cacheerr"
	"github.com/danielloader/webcache/receiver"
	"github.com/danielloader/webcache/resource"
)

// chunkSize is the streaming read granularity, matching store/file's.
const chunkSize = 64 * 1024

// InternalMarkerHeader is set on every request the Fetcher issues, so a
// host-provided interceptor sitting in front of the same process can
// detect and bypass cache-owned traffic (spec.md §4.4).
const InternalMarkerHeader = "X-Webcache-Internal-Fetch"

// Fetcher is the HTTP GET Source. It implements only {fetch}, the Source
// capability of spec.md §9's trio.
type Fetcher struct {
	Client    *http.Client
	Whitelist *resource.Whitelist
}

// New builds a Fetcher with a transport tuned like the teacher's
// NewUpstreamClient, upgraded with golang.org/x/net/http2 support for
// TLS origins that negotiate it via ALPN. Cleartext origins are spoken
// to over HTTP/1.1.
func New() *Fetcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	_ = http2.ConfigureTransport(transport)

	return &Fetcher{
		Client:    &http.Client{Transport: transport},
		Whitelist: resource.DefaultWhitelist,
	}
}

// Fetch issues a ranged GET for url and drives rcv through the Receiver
// protocol, per spec.md §4.4's response classification table. It
// implements the Source capability consumed by layeredcache.Cache.
func (f *Fetcher) Fetch(url string, offset int64, length *int64, prog *receiver.Progress, rcv receiver.Receiver) {
	rcv.OnInited(nil, prog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prog.OnCancel(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		rcv.OnAborted(fmt.Errorf("fetcher: building request: %w", err))
		return
	}
	req.Header.Set("Accept-Encoding", "gzip, identity")
	req.Header.Set(InternalMarkerHeader, "1")
	if rng := rangeHeader(offset, length); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		if prog.Cancelled() {
			rcv.OnAborted(nil)
			return
		}
		rcv.OnAborted(fmt.Errorf("fetcher: requesting %s: %w", url, err))
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		f.deliverFull(resp, prog, rcv)
	case http.StatusPartialContent:
		f.deliverPartial(resp, url, prog, rcv)
	case http.StatusNotFound:
		rcv.OnAborted(nil)
	default:
		rcv.OnAborted(&cacheerr.TransportError{
			Status:  resp.StatusCode,
			Message: resp.Status,
			URL:     url,
		})
	}
}

func (f *Fetcher) deliverFull(resp *http.Response, prog *receiver.Progress, rcv receiver.Receiver) {
	info := headersToInfo(resp.Header, f.Whitelist)

	var lengthPtr *int64
	if resp.ContentLength >= 0 {
		l := resp.ContentLength
		lengthPtr = &l
		info.TotalLength = &l
	}

	if prog.Total() < 0 {
		if lengthPtr != nil {
			prog.SetTotal(*lengthPtr)
		}
	}

	rcv.OnStarted(info, 0, lengthPtr)
	streamBody(resp.Body, prog, rcv)
}

func (f *Fetcher) deliverPartial(resp *http.Response, url string, prog *receiver.Progress, rcv receiver.Receiver) {
	start, end, total, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		rcv.OnAborted(fmt.Errorf("fetcher: parsing Content-Range for %s: %w", url, err))
		return
	}

	info := headersToInfo(resp.Header, f.Whitelist)
	info.TotalLength = &total

	if prog.Total() < 0 {
		prog.SetTotal(total)
		prog.SetCompleted(start)
	}

	length := end - start + 1
	rcv.OnStarted(info, start, &length)
	streamBody(resp.Body, prog, rcv)
}

// streamBody delivers resp's body in 64 KiB chunks, checking cancellation
// between reads, per spec.md §5's cooperative-cancellation rule.
func streamBody(body io.Reader, prog *receiver.Progress, rcv receiver.Receiver) {
	buf := make([]byte, chunkSize)
	for {
		if prog.Cancelled() {
			rcv.OnAborted(nil)
			return
		}
		n, err := body.Read(buf)
		if n > 0 {
			rcv.OnData(buf[:n])
			prog.AddCompleted(int64(n))
		}
		if err != nil {
			if err == io.EOF {
				rcv.OnFinished()
				return
			}
			rcv.OnAborted(err)
			return
		}
	}
}

// rangeHeader builds a Range header value per spec.md §4.4: empty when
// neither offset nor length is specified, otherwise bytes=<offset>-<end?>
// with end computed from length when given, open-ended otherwise.
func rangeHeader(offset int64, length *int64) string {
	if offset == 0 && length == nil {
		return ""
	}
	if length != nil {
		return fmt.Sprintf("bytes=%d-%d", offset, offset+*length-1)
	}
	return fmt.Sprintf("bytes=%d-", offset)
}

// headersToInfo copies whitelisted response headers into a resource.Info,
// defaulting MIMEType per spec.md §3.
func headersToInfo(h http.Header, wl *resource.Whitelist) resource.Info {
	info := resource.New()
	if ct := h.Get("Content-Type"); ct != "" {
		info.MIMEType = ct
	}

	var headers map[string]string
	for name := range h {
		if wl.Allows(name) {
			if headers == nil {
				headers = make(map[string]string)
			}
			headers[name] = h.Get(name)
		}
	}
	info.Headers = headers
	return info
}

// parseContentRange parses "bytes <start>-<end>/<total>", the only form
// an origin following RFC 9110 sends on a 206 response.
func parseContentRange(s string) (start, end, total int64, err error) {
	const prefix = "bytes "
	if !strings.HasPrefix(s, prefix) {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", s)
	}
	rangePart, totalPart, ok := strings.Cut(strings.TrimPrefix(s, prefix), "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", s)
	}
	startPart, endPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", s)
	}

	if start, err = strconv.ParseInt(startPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("parsing range start: %w", err)
	}
	if end, err = strconv.ParseInt(endPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("parsing range end: %w", err)
	}
	if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("parsing range total: %w", err)
	}
	return start, end, total, nil
}
