package datasource

import (
	"errors"
	"net/url"
	"strings"

	"github.com/and161185/vaultbridge/internal/model"
)

// Params selects and configures a transport. The variant set is closed: every
// variant implements open, so a new source type cannot exist without a constructor.
type Params interface {
	Type() model.SourceType
	Validate() error
	open(f *Factory) (Datasource, error)
}

var (
	_ Params = DropboxParams{}
	_ Params = WebDAVParams{}
	_ Params = OwnCloudParams{}
	_ Params = NextcloudParams{}
	_ Params = LocalFileParams{}
	_ Params = MyButtercupParams{}
	_ Params = S3Params{}
)

// DropboxParams address an archive file in a Dropbox account.
type DropboxParams struct {
	Token string `json:"token"`
	Path  string `json:"path"`
}

func (DropboxParams) Type() model.SourceType { return model.SourceDropbox }

func (p DropboxParams) Validate() error {
	if p.Token == "" {
		return errors.New("empty token")
	}
	return validatePath(p.Path)
}

// WebDAVParams address an archive file on a WebDAV server.
type WebDAVParams struct {
	Endpoint string `json:"endpoint"`
	Path     string `json:"path"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (WebDAVParams) Type() model.SourceType { return model.SourceWebDAV }

func (p WebDAVParams) Validate() error {
	if err := validateEndpoint(p.Endpoint); err != nil {
		return err
	}
	return validatePath(p.Path)
}

// OwnCloudParams address an archive on an ownCloud server's WebDAV root.
type OwnCloudParams WebDAVParams

func (OwnCloudParams) Type() model.SourceType { return model.SourceOwnCloud }
func (p OwnCloudParams) Validate() error      { return WebDAVParams(p).Validate() }

// NextcloudParams address an archive on a Nextcloud server's WebDAV root.
type NextcloudParams WebDAVParams

func (NextcloudParams) Type() model.SourceType { return model.SourceNextcloud }
func (p NextcloudParams) Validate() error      { return WebDAVParams(p).Validate() }

// LocalFileParams address an archive on the local filesystem.
type LocalFileParams struct {
	Path string `json:"path"`
}

func (LocalFileParams) Type() model.SourceType { return model.SourceLocalFile }
func (p LocalFileParams) Validate() error      { return validatePath(p.Path) }

// MyButtercupParams address a hosted archive.
type MyButtercupParams struct {
	Token     string `json:"token"`
	OrgID     string `json:"orgID,omitempty"`
	ArchiveID string `json:"archiveID"`
}

func (MyButtercupParams) Type() model.SourceType { return model.SourceMyButtercup }

func (p MyButtercupParams) Validate() error {
	if p.Token == "" {
		return errors.New("empty token")
	}
	if p.ArchiveID == "" {
		return errors.New("empty archive id")
	}
	return nil
}

// S3Params address an archive object in an S3-compatible bucket.
type S3Params struct {
	Bucket          string `json:"bucket"`
	Key             string `json:"key"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"accessKeyID,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
}

func (S3Params) Type() model.SourceType { return model.SourceS3 }

func (p S3Params) Validate() error {
	if p.Bucket == "" || p.Key == "" {
		return errors.New("empty bucket or key")
	}
	if p.Endpoint != "" {
		return validateEndpoint(p.Endpoint)
	}
	return nil
}

func validatePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("empty path")
	}
	return nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("endpoint must be an http(s) URL")
	}
	return nil
}
