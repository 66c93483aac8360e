package drive

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	// ErrInvalidURL reports a link that matches none of the supported
	// Google Drive URL shapes.
	ErrInvalidURL = errors.New("invalid google drive url")

	// ErrRemoteFetch reports a download that failed or did not yield an
	// image.
	ErrRemoteFetch = errors.New("failed to fetch drive file")
)

// The shapes sharing links come in: /file/d/{id}/view, open?id={id} and the
// docs.google.com /d/{id}/ form. Tried in order; first match wins.
var fileIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`),
}

// ExtractFileID pulls the file identifier out of a Drive sharing link.
func ExtractFileID(rawURL string) (string, error) {
	for _, pattern := range fileIDPatterns {
		if m := pattern.FindStringSubmatch(rawURL); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
}

// File is a downloaded Drive object.
type File struct {
	ID   string
	Name string
	Data []byte
}

// Client downloads Drive files. With an API key it uses the Drive v3 API;
// without one it falls back to the public uc?export=download endpoint,
// which only works for files shared as "anyone with the link".
type Client struct {
	http      *resty.Client
	apiKey    string
	apiURL    string
	publicURL string
	logger    *zap.Logger
}

// NewClient builds a Drive client. An empty apiKey selects public-link
// downloads.
func NewClient(apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		http:      resty.New().SetTimeout(timeout),
		apiKey:    apiKey,
		apiURL:    "https://www.googleapis.com/drive/v3",
		publicURL: "https://drive.google.com",
		logger:    logger,
	}
}

// Fetch resolves the sharing link to a file ID and downloads the bytes,
// verifying the remote object is an image.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*File, error) {
	fileID, err := ExtractFileID(rawURL)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetching drive file",
		zap.String("file_id", fileID),
		zap.Bool("api_key", c.apiKey != ""))

	if c.apiKey != "" {
		return c.fetchWithAPIKey(ctx, fileID)
	}
	return c.fetchPublic(ctx, fileID)
}

func (c *Client) fetchPublic(ctx context.Context, fileID string) (*File, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("export", "download").
		SetQueryParam("id", fileID).
		Get(c.publicURL + "/uc")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrRemoteFetch, resp.StatusCode())
	}

	contentType := resp.Header().Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%w: remote object is not an image (%s)", ErrRemoteFetch, contentType)
	}

	name := nameFromDisposition(resp.Header().Get("Content-Disposition"))
	if name == "" {
		name = fallbackName(fileID)
	}
	return &File{ID: fileID, Name: name, Data: resp.Body()}, nil
}

func (c *Client) fetchWithAPIKey(ctx context.Context, fileID string) (*File, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("alt", "media").
		SetQueryParam("key", c.apiKey).
		Get(c.apiURL + "/files/" + fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrRemoteFetch, resp.StatusCode())
	}

	contentType := resp.Header().Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%w: remote object is not an image (%s)", ErrRemoteFetch, contentType)
	}

	return &File{ID: fileID, Name: c.fileName(ctx, fileID), Data: resp.Body()}, nil
}

// fileName asks the Drive API for the object's name, falling back to a
// synthetic one when the metadata call fails.
func (c *Client) fileName(ctx context.Context, fileID string) string {
	var meta struct {
		Name string `json:"name"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("fields", "name").
		SetQueryParam("key", c.apiKey).
		SetResult(&meta).
		Get(c.apiURL + "/files/" + fileID)
	if err != nil || resp.IsError() || meta.Name == "" {
		c.logger.Debug("drive metadata lookup failed", zap.String("file_id", fileID))
		return fallbackName(fileID)
	}
	return meta.Name
}

func nameFromDisposition(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func fallbackName(fileID string) string {
	return fmt.Sprintf("drive_image_%s", fileID)
}
