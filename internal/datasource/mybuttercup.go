package datasource

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/and161185/vaultbridge/internal/errs"
)

// MyButtercup stores the archive in the hosted vault service.
type MyButtercup struct {
	f      *Factory
	client *http.Client
	token  string
	url    string
	now    func() time.Time
}

func (p MyButtercupParams) open(f *Factory) (Datasource, error) {
	base := strings.TrimRight(f.cfg.MyButtercupAPI, "/") + "/api/v1/vaults/"
	if p.OrgID != "" {
		base += url.PathEscape(p.OrgID) + "/"
	}
	return &MyButtercup{
		f:      f,
		client: bearerClient(f, p.Token),
		token:  p.Token,
		url:    base + url.PathEscape(p.ArchiveID),
		now:    time.Now,
	}, nil
}

func myButtercupClassifier(code int, body []byte) error {
	if code == http.StatusNotFound {
		return errs.ErrNotFound
	}
	return &statusError{Code: code, Message: gjson.GetBytes(body, "error").String()}
}

// checkToken fails fast on an expired JWT access token. Opaque tokens pass.
func (m *MyButtercup) checkToken() error {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(m.token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !m.now().Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("mybuttercup: access token expired: %w", errs.ErrTransport)
	}
	return nil
}

func (m *MyButtercup) request(ctx context.Context, method string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, m.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return req, nil
}

// Load downloads the hosted archive.
func (m *MyButtercup) Load(ctx context.Context) ([]byte, error) {
	if err := m.checkToken(); err != nil {
		return nil, err
	}
	return m.f.fetch(ctx, "mybuttercup "+m.url, m.client, func(ctx context.Context) (*http.Request, error) {
		return m.request(ctx, http.MethodGet, nil)
	}, myButtercupClassifier)
}

// Save uploads the hosted archive.
func (m *MyButtercup) Save(ctx context.Context, content []byte) error {
	if err := m.checkToken(); err != nil {
		return err
	}
	return m.f.send(ctx, "mybuttercup "+m.url, m.client, func(ctx context.Context) (*http.Request, error) {
		return m.request(ctx, http.MethodPut, content)
	}, myButtercupClassifier)
}
