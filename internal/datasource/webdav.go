package datasource

import (
	"bytes"
	"context"
	"net/http"
	"strings"
)

const davSuffix = "/remote.php/webdav"

// WebDAV stores the archive as a single resource on a WebDAV server.
type WebDAV struct {
	f        *Factory
	url      string
	username string
	password string
}

func (p WebDAVParams) open(f *Factory) (Datasource, error) {
	return newWebDAV(f, p.Endpoint, p), nil
}

func (p OwnCloudParams) open(f *Factory) (Datasource, error) {
	return newWebDAV(f, davRoot(p.Endpoint), WebDAVParams(p)), nil
}

func (p NextcloudParams) open(f *Factory) (Datasource, error) {
	return newWebDAV(f, davRoot(p.Endpoint), WebDAVParams(p)), nil
}

func davRoot(endpoint string) string {
	e := strings.TrimRight(endpoint, "/")
	if strings.HasSuffix(e, davSuffix) {
		return e
	}
	return e + davSuffix
}

func newWebDAV(f *Factory, endpoint string, p WebDAVParams) *WebDAV {
	return &WebDAV{
		f:        f,
		url:      strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(p.Path, "/"),
		username: p.Username,
		password: p.Password,
	}
}

func (w *WebDAV) request(ctx context.Context, method string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if w.username != "" || w.password != "" {
		req.SetBasicAuth(w.username, w.password)
	}
	return req, nil
}

// Load downloads the archive resource.
func (w *WebDAV) Load(ctx context.Context) ([]byte, error) {
	return w.f.fetch(ctx, "webdav "+w.url, w.f.http, func(ctx context.Context) (*http.Request, error) {
		return w.request(ctx, http.MethodGet, nil)
	}, defaultClassifier)
}

// Save uploads the archive resource, replacing it.
func (w *WebDAV) Save(ctx context.Context, content []byte) error {
	return w.f.send(ctx, "webdav "+w.url, w.f.http, func(ctx context.Context) (*http.Request, error) {
		req, err := w.request(ctx, http.MethodPut, content)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	}, defaultClassifier)
}
