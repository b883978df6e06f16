package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrTooLarge is returned when a fetched body exceeds the configured limit.
var ErrTooLarge = errors.New("media: size limit exceeded")

// Fetcher downloads remote media into the store with SSRF guards: only http
// and https schemes, private and loopback address ranges refused at dial time
// (after DNS resolution, so rebinding does not bypass the check), bounded
// response size and total time.
type Fetcher struct {
	store        *Store
	maxBytes     int64
	timeout      time.Duration
	allowPrivate bool
	client       *http.Client
}

// NewFetcher builds a fetcher writing into store.
func NewFetcher(store *Store, maxBytes int64, timeout time.Duration, allowPrivate bool) *Fetcher {
	f := &Fetcher{
		store:        store,
		maxBytes:     maxBytes,
		timeout:      timeout,
		allowPrivate: allowPrivate,
	}
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			if f.allowPrivate {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("media: unresolved address %q", host)
			}
			if isPrivate(ip) {
				return fmt.Errorf("media: refusing private address %s", ip)
			}
			return nil
		},
	}
	f.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
			MaxIdleConns:          4,
		},
	}
	return f
}

func isPrivate(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// Fetch downloads url into the store and returns its content hash.
func (f *Fetcher) Fetch(ctx context.Context, url string) (hash string, contentType string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("media: %w", err)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return "", "", fmt.Errorf("media: unsupported scheme %q", req.URL.Scheme)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("media: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("media: fetch %s: status %d", url, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return "", "", fmt.Errorf("media: %s exceeds size limit (%d > %d)", url, resp.ContentLength, f.maxBytes)
	}

	contentType = resp.Header.Get("Content-Type")
	// The capped reader fails the copy mid-stream, so an oversized body
	// aborts inside PutReader and nothing is committed to the store.
	capped := &cappedReader{r: resp.Body, left: f.maxBytes}
	hash, _, err = f.store.PutReader(capped, contentType, "")
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return "", "", fmt.Errorf("media: %s exceeds size limit (%d bytes): %w", url, f.maxBytes, ErrTooLarge)
		}
		return "", "", fmt.Errorf("media: store %s: %w", url, err)
	}
	return hash, contentType, nil
}

// cappedReader errors once more than left bytes have been read.
type cappedReader struct {
	r    io.Reader
	left int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
