package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/nugget/toolrelay/internal/httpkit"
)

// maxAPKBytes bounds a downloaded package.
const maxAPKBytes = 512 << 20

// isRemoteAPK reports whether src names a package to download.
func isRemoteAPK(src string) bool {
	u, err := url.Parse(src)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// resolveAPK returns a local path for src. Remote sources are
// downloaded to a temporary file; the returned cleanup removes it and
// must always be called. Local sources must exist.
func (w *Workflow) resolveAPK(ctx context.Context, step, src string) (string, func(), error) {
	noop := func() {}
	if !isRemoteAPK(src) {
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", noop, &PreconditionError{Step: step, Reason: fmt.Sprintf("apk_path %s does not exist", src)}
			}
			return "", noop, fmt.Errorf("stat apk: %w", err)
		}
		return src, noop, nil
	}

	f, err := os.CreateTemp("", "toolrelay-*.apk")
	if err != nil {
		return "", noop, fmt.Errorf("create temp apk: %w", err)
	}
	cleanup := func() {
		f.Close()
		if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("failed to remove downloaded apk", "path", f.Name(), "error", err)
		}
	}

	if err := w.download(ctx, src, f); err != nil {
		cleanup()
		return "", noop, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("write apk: %w", err)
	}
	w.logger.Debug("apk downloaded", "url", src, "path", f.Name())
	return f.Name(), cleanup, nil
}

func (w *Workflow) download(ctx context.Context, src string, dst io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("download apk: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpkit.StatusError{
			Method:     http.MethodGet,
			URL:        src,
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	n, err := io.Copy(dst, io.LimitReader(resp.Body, maxAPKBytes+1))
	if err != nil {
		return fmt.Errorf("download apk: %w", err)
	}
	if n > maxAPKBytes {
		return fmt.Errorf("download apk: larger than %d bytes", maxAPKBytes)
	}
	return nil
}
