package storage

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// BackendConfig is the JSON blob stored in storage_backends.config. Which fields
// are meaningful depends on the backend type; QuotaGB applies to every type.
type BackendConfig struct {
	QuotaGB   float64 `json:"quotaGb,omitempty"`
	PublicURL string  `json:"publicUrl,omitempty"`

	// s3-compatible
	Bucket          string `json:"bucket,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`

	// webdav
	WebDAVURL string `json:"webdavUrl,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	BasePath  string `json:"basePath,omitempty"`

	// ftp / sftp
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// QuotaBytes returns the configured backend quota in bytes, or 0 for unlimited.
func (c BackendConfig) QuotaBytes() int64 {
	if c.QuotaGB <= 0 {
		return 0
	}
	return int64(c.QuotaGB * 1e9)
}

const secretMask = "********"

// IsMasked reports whether v is the placeholder produced by Masked. Updates that
// send it back keep the stored secret.
func IsMasked(v string) bool {
	return v == secretMask
}

// Secrets returns pointers to the credential fields so callers can seal, open or
// mask them in place.
func (c *BackendConfig) Secrets() []*string {
	return []*string{&c.AccessKeyID, &c.SecretAccessKey, &c.Password}
}

// Masked returns a copy safe to render: every non-empty secret becomes "********".
func (c BackendConfig) Masked() BackendConfig {
	for _, p := range c.Secrets() {
		if *p != "" {
			*p = secretMask
		}
	}
	return c
}

// Validate checks the fields required by backendType.
func (c BackendConfig) Validate(backendType string) error {
	if c.QuotaGB < 0 {
		return errors.New("quotaGb must not be negative")
	}
	switch backendType {
	case TypeS3:
		if c.Bucket == "" {
			return errors.New("bucket is required for s3-compatible backends")
		}
	case TypeWebDAV:
		if c.WebDAVURL == "" {
			return errors.New("webdavUrl is required for webdav backends")
		}
	case TypeFTP, TypeSFTP:
		if c.Host == "" {
			return errors.New("host is required for ftp/sftp backends")
		}
		if c.Port < 0 || c.Port > 65535 {
			return fmt.Errorf("invalid port %d", c.Port)
		}
	case TypeNativeObject:
	default:
		return fmt.Errorf("unknown backend type %q", backendType)
	}
	return nil
}

// Value implements driver.Valuer so the config can be written to a JSONB column.
func (c BackendConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JSONB columns.
func (c *BackendConfig) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = BackendConfig{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("storage: cannot scan %T into BackendConfig", src)
	}
	if len(raw) == 0 {
		*c = BackendConfig{}
		return nil
	}
	return json.Unmarshal(raw, c)
}
