// Package datasource provides the storage transports behind a source and the
// tagged connection parameters that select them.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/and161185/vaultbridge/internal/model"
)

// Datasource reads and writes the encrypted archive content of one source.
// Missing targets yield errs.ErrNotFound, remote failures errs.ErrTransport.
type Datasource interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, content []byte) error
}

// Config tunes the transports.
type Config struct {
	HTTPTimeout    time.Duration `mapstructure:"http-timeout"`
	MaxRetries     uint          `mapstructure:"max-retries"`
	RetryInitial   time.Duration `mapstructure:"retry-initial"`
	DropboxAPI     string        `mapstructure:"dropbox-api"`
	MyButtercupAPI string        `mapstructure:"mybuttercup-api"`
}

// DefaultConfig returns production transport settings.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:    30 * time.Second,
		MaxRetries:     3,
		RetryInitial:   250 * time.Millisecond,
		DropboxAPI:     "https://content.dropboxapi.com",
		MyButtercupAPI: "https://my.buttercup.pw",
	}
}

// Factory opens datasources for tagged params.
type Factory struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger

	newObjectAPI func(ctx context.Context, p S3Params) (objectAPI, error)
}

// NewFactory builds a Factory. Zero config fields take DefaultConfig values.
func NewFactory(cfg Config, log *zap.Logger) *Factory {
	def := DefaultConfig()
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.DropboxAPI == "" {
		cfg.DropboxAPI = def.DropboxAPI
	}
	if cfg.MyButtercupAPI == "" {
		cfg.MyButtercupAPI = def.MyButtercupAPI
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Factory{
		cfg:          cfg,
		http:         &http.Client{Timeout: cfg.HTTPTimeout},
		log:          log,
		newObjectAPI: newS3Client,
	}
}

// Open validates params and builds the matching transport.
func (f *Factory) Open(p Params) (Datasource, error) {
	if p == nil {
		return nil, fmt.Errorf("datasource: nil params")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("datasource %s: %w", p.Type(), err)
	}
	return p.open(f)
}

func (f *Factory) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.RetryInitial
	return b
}

// envelope is the serialized form of Params inside sealed source credentials.
type envelope struct {
	Type   model.SourceType `json:"type"`
	Params json.RawMessage  `json:"params"`
}

// Marshal encodes params with their type tag.
func Marshal(p Params) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: p.Type(), Params: raw})
}

// Unmarshal decodes params produced by Marshal.
func Unmarshal(data []byte) (Params, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("datasource params: %w", err)
	}
	switch env.Type {
	case model.SourceDropbox:
		return decode[DropboxParams](env)
	case model.SourceWebDAV:
		return decode[WebDAVParams](env)
	case model.SourceOwnCloud:
		return decode[OwnCloudParams](env)
	case model.SourceNextcloud:
		return decode[NextcloudParams](env)
	case model.SourceLocalFile:
		return decode[LocalFileParams](env)
	case model.SourceMyButtercup:
		return decode[MyButtercupParams](env)
	case model.SourceS3:
		return decode[S3Params](env)
	default:
		return nil, fmt.Errorf("datasource params: unknown type %q", env.Type)
	}
}

func decode[T Params](env envelope) (Params, error) {
	var p T
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return nil, fmt.Errorf("datasource params %s: %w", env.Type, err)
	}
	return p, nil
}
