package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxImageBytes = 20 << 20

// ImageLoader fetches image bytes and their MIME type.
type ImageLoader interface {
	Load(ctx context.Context, location string) (data []byte, mimeType string, err error)
}

// StorageLoader reads images from a local directory or over HTTP.
type StorageLoader struct {
	baseDir    string
	baseURL    string
	httpClient *http.Client
}

// NewStorageLoader creates a loader. Relative locations resolve against baseURL when set,
// otherwise against baseDir.
func NewStorageLoader(baseDir, baseURL string) *StorageLoader {
	return &StorageLoader{
		baseDir:    baseDir,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Load implements ImageLoader.
func (l *StorageLoader) Load(ctx context.Context, location string) ([]byte, string, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return l.fetch(ctx, location)
	case l.baseURL != "" && !filepath.IsAbs(location):
		return l.fetch(ctx, l.baseURL+"/"+strings.TrimPrefix(location, "/"))
	}

	path := location
	if !filepath.IsAbs(path) && l.baseDir != "" {
		path = filepath.Join(l.baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	return data, http.DetectContentType(data), nil
}

func (l *StorageLoader) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image store returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image body: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
