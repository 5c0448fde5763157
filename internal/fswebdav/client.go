// Package fswebdav is a capability interface over a WebDAV-mounted
// shared filesystem, wrapped the way the control plane's other
// gateways wrap their underlying SDK client: a thin struct holding the
// client plus a configured base path, exposing only the operations the
// rest of the control plane actually performs.
package fswebdav

import (
	"bytes"
	"context"
	"path"
	"strings"

	"github.com/nova-hosting/controlplane/internal/errkind"
	"github.com/studio-b12/gowebdav"
)

// Client wraps a gowebdav client rooted at a configured base path. All
// paths passed to its methods are absolute and are joined under that
// base before use.
type Client struct {
	client       *gowebdav.Client
	base         string
	supportsMove bool
}

func NewClient(url, username, password, basePath string) *Client {
	c := gowebdav.NewClient(url, username, password)
	return &Client{client: c, base: basePath, supportsMove: true}
}

func (c *Client) resolve(p string) string {
	joined := path.Join(c.base, p)
	// normalize duplicate slashes
	for strings.Contains(joined, "//") {
		joined = strings.ReplaceAll(joined, "//", "/")
	}
	return joined
}

// withRetry runs fn under the package's standard backoff policy, so a
// transient WebDAV hiccup doesn't fail a create/delete outright.
func withRetry(ctx context.Context, fn func() error) error {
	return errkind.Retry(ctx, errkind.DefaultRetryConfig(), fn)
}

func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	var found bool
	err := withRetry(ctx, func() error {
		_, err := c.client.StatWithContext(ctx, c.resolve(p))
		if err != nil {
			if gowebdav.IsErrNotFound(err) {
				return nil
			}
			return errkind.Wrap(errkind.ExternalUnavailable, "statting path", err)
		}
		found = true
		return nil
	})
	return found, err
}

func (c *Client) Read(ctx context.Context, p string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, func() error {
		raw, err := c.client.ReadWithContext(ctx, c.resolve(p))
		if err != nil {
			if gowebdav.IsErrNotFound(err) {
				return errkind.New(errkind.Conflict, "file not found")
			}
			return errkind.Wrap(errkind.ExternalUnavailable, "reading file", err)
		}
		data = raw
		return nil
	})
	return data, err
}

// Write performs an atomic write: it writes to a temp sibling path and
// then moves it into place when the server supports MOVE, falling back
// to a direct write otherwise.
func (c *Client) Write(ctx context.Context, p string, data []byte) error {
	target := c.resolve(p)

	if !c.supportsMove {
		return c.writeDirect(ctx, target, data)
	}

	tmp := target + ".tmp-controlplane"
	err := withRetry(ctx, func() error {
		if err := c.client.WriteStreamWithContext(ctx, tmp, bytes.NewReader(data), 0o644); err != nil {
			return errkind.Wrap(errkind.ExternalUnavailable, "writing temp file", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.client.RenameWithContext(ctx, tmp, target, true); err != nil {
		// Server may not support MOVE/rename; remember that and fall
		// back to a direct write for subsequent calls.
		c.supportsMove = false
		_ = c.client.RemoveWithContext(ctx, tmp)
		return c.writeDirect(ctx, target, data)
	}
	return nil
}

func (c *Client) writeDirect(ctx context.Context, target string, data []byte) error {
	return withRetry(ctx, func() error {
		if err := c.client.WriteStreamWithContext(ctx, target, bytes.NewReader(data), 0o644); err != nil {
			return errkind.Wrap(errkind.ExternalUnavailable, "writing file", err)
		}
		return nil
	})
}

func (c *Client) Move(ctx context.Context, from, to string) error {
	return withRetry(ctx, func() error {
		if err := c.client.RenameWithContext(ctx, c.resolve(from), c.resolve(to), true); err != nil {
			return errkind.Wrap(errkind.ExternalUnavailable, "moving path", err)
		}
		return nil
	})
}

func (c *Client) Delete(ctx context.Context, p string) error {
	return withRetry(ctx, func() error {
		if err := c.client.RemoveAllWithContext(ctx, c.resolve(p)); err != nil {
			if gowebdav.IsErrNotFound(err) {
				return nil
			}
			return errkind.Wrap(errkind.ExternalUnavailable, "deleting path", err)
		}
		return nil
	})
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	return withRetry(ctx, func() error {
		if err := c.client.MkdirAllWithContext(ctx, c.resolve(p), 0o755); err != nil {
			return errkind.Wrap(errkind.ExternalUnavailable, "creating directory", err)
		}
		return nil
	})
}

func (c *Client) List(ctx context.Context, p string) ([]string, error) {
	var names []string
	err := withRetry(ctx, func() error {
		infos, err := c.client.ReadDirWithContext(ctx, c.resolve(p))
		if err != nil {
			if gowebdav.IsErrNotFound(err) {
				return errkind.New(errkind.Conflict, "directory not found")
			}
			return errkind.Wrap(errkind.ExternalUnavailable, "listing directory", err)
		}
		names = make([]string, 0, len(infos))
		for _, info := range infos {
			names = append(names, info.Name())
		}
		return nil
	})
	return names, err
}
