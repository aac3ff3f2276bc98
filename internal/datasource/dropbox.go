package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/and161185/vaultbridge/internal/errs"
)

// Dropbox stores the archive through the Dropbox content API.
type Dropbox struct {
	f      *Factory
	client *http.Client
	api    string
	path   string
}

func (p DropboxParams) open(f *Factory) (Datasource, error) {
	path := p.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &Dropbox{
		f:      f,
		client: bearerClient(f, p.Token),
		api:    strings.TrimRight(f.cfg.DropboxAPI, "/"),
		path:   path,
	}, nil
}

// bearerClient wraps the factory client with a static OAuth2 bearer token.
func bearerClient(f *Factory, token string) *http.Client {
	return &http.Client{
		Timeout: f.http.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   f.http.Transport,
		},
	}
}

func dropboxClassifier(code int, body []byte) error {
	summary := gjson.GetBytes(body, "error_summary").String()
	if code == http.StatusConflict && strings.HasPrefix(summary, "path/not_found") {
		return errs.ErrNotFound
	}
	return &statusError{Code: code, Message: summary}
}

func (d *Dropbox) request(ctx context.Context, endpoint string, arg map[string]any, body []byte) (*http.Request, error) {
	apiArg, err := json.Marshal(arg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.api+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Dropbox-API-Arg", string(apiArg))
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return req, nil
}

// Load downloads the archive file.
func (d *Dropbox) Load(ctx context.Context) ([]byte, error) {
	return d.f.fetch(ctx, "dropbox "+d.path, d.client, func(ctx context.Context) (*http.Request, error) {
		return d.request(ctx, "/2/files/download", map[string]any{"path": d.path}, nil)
	}, dropboxClassifier)
}

// Save uploads the archive file in overwrite mode.
func (d *Dropbox) Save(ctx context.Context, content []byte) error {
	return d.f.send(ctx, "dropbox "+d.path, d.client, func(ctx context.Context) (*http.Request, error) {
		return d.request(ctx, "/2/files/upload",
			map[string]any{"path": d.path, "mode": "overwrite", "mute": true}, content)
	}, dropboxClassifier)
}
