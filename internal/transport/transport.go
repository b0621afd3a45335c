// Package transport fetches manifest text and release files. It is the CLI's
// collaborator; the engine itself only ever sees text and local paths.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/verify"
)

// TokenEnv names the variable holding an optional bearer token.
const TokenEnv = "SUPDATE_TOKEN"

// MaxManifestSize bounds the manifest body read into memory.
const MaxManifestSize = 4 << 20

func TokenFromEnv() string {
	return strings.TrimSpace(os.Getenv(TokenEnv))
}

func UserAgent(version string) string {
	return fmt.Sprintf("supdate/%s", version)
}

// Client reads http(s) and file URLs. Files are written through FS.
type Client struct {
	HTTP      *http.Client
	FS        afero.Fs
	UserAgent string
	Token     string
	Logger    zerolog.Logger
}

func New(fsys afero.Fs, userAgent string, logger zerolog.Logger) *Client {
	return &Client{
		HTTP:      &http.Client{Timeout: 5 * time.Minute},
		FS:        fsys,
		UserAgent: userAgent,
		Token:     TokenFromEnv(),
		Logger:    logger,
	}
}

// Text returns the body of u as a string.
func (c *Client) Text(ctx context.Context, u *url.URL) (string, error) {
	body, err := c.open(ctx, u)
	if err != nil {
		return "", err
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, MaxManifestSize+1))
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrTransport, "read %s", u.Redacted())
	}
	if len(data) > MaxManifestSize {
		return "", errors.Newf(errors.ErrTransport, "%s is larger than %d bytes", u.Redacted(), MaxManifestSize)
	}
	c.Logger.Debug().Str("url", u.Redacted()).Int("bytes", len(data)).Msg("Fetched text")
	return string(data), nil
}

// Download stores u in dir under the last segment of its path and returns
// the file name.
func (c *Client) Download(ctx context.Context, u *url.URL, dir string) (string, error) {
	name := FileName(u)
	if name == "" {
		return "", errors.Newf(errors.ErrTransport, "cannot derive a file name from %s", u.Redacted())
	}
	if err := c.FS.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, errors.ErrFilesystem, "create %s", dir)
	}
	target := filepath.Join(dir, name)

	body, err := c.open(ctx, u)
	if err != nil {
		return "", err
	}
	defer body.Close()

	out, err := c.FS.Create(target)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrFilesystem, "create %s", target)
	}
	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrTransport, "download %s", u.Redacted())
	}
	c.Logger.Info().Str("url", u.Redacted()).Str("file", target).Str("size", verify.FormatSize(n)).Msg("Downloaded release file")
	return target, nil
}

// FileName is the last non-empty segment of the URL path.
func FileName(u *url.URL) string {
	if u == nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return ""
	}
	name := path.Base(p)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func (c *Client) open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if u == nil {
		return nil, errors.New(errors.ErrTransport, "no URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "file", "":
		name := u.Path
		f, err := c.FS.Open(filepath.FromSlash(name))
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrNotFound, "open %s", name)
		}
		return f, nil
	case "http", "https":
	default:
		return nil, errors.Newf(errors.ErrTransport, "unsupported URL scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrTransport, "request %s", u.Redacted())
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if c.Token != "" && strings.EqualFold(u.Scheme, "https") {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrTransport, "GET %s", u.Redacted())
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Newf(errors.ErrTransport, "GET %s: %s", u.Redacted(), resp.Status).
			WithDetail("status", resp.StatusCode)
	}
	return resp.Body, nil
}
