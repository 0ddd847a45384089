package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	fetchTimeout  = 30 * time.Second
	fetchMaxBytes = 20 << 20
	fetchUA       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
)

// download fetches a remote media file for re-upload.
func (a *Adapter) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", fetchUA)
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	resp, err := a.fetch.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, "", fmt.Errorf("download %s: http %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > fetchMaxBytes {
		return nil, "", fmt.Errorf("download %s: larger than %d bytes", rawURL, fetchMaxBytes)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("download %s: empty body", rawURL)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// isImage trusts an image/* content type, then falls back to magic bytes
// (JPEG, PNG, GIF, WebP).
func isImage(contentType string, data []byte) bool {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return true
	}
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return true
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}):
		return true
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return true
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return true
	}
	return false
}

// fileName derives an upload name from the URL path.
func fileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "file"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}
