// Package s3archive implements the adapter for pre-sliced archive objects on
// AWS S3 and S3-compatible storage. Each unit maps to one object whose key is
// rendered from a template.
package s3archive

import (
	"strconv"

	"github.com/3leaps/gohindcast/pkg/source"
)

// Options understood by the adapter. All are read from source.Spec.Options.
const (
	OptionBucket         = "bucket"
	OptionRegion         = "region"
	OptionEndpoint       = "endpoint"
	OptionProfile        = "profile"
	OptionForcePathStyle = "force_path_style"

	// OptionKeyTemplate renders the object key for a unit. Placeholders:
	// {source} {year} {month} {day} {start} {end} {variable} {lat} {lon}
	// {region} {depth}.
	OptionKeyTemplate = "key_template"

	// OptionParse selects payload parsing: "raw" (default) or "ndbc".
	OptionParse = "parse"
)

// Credential names looked up in source.Context.
const (
	CredentialAccessKeyID     = "s3.access_key_id"
	CredentialSecretAccessKey = "s3.secret_access_key"
)

// Parse modes.
const (
	ParseRaw  = "raw"
	ParseNDBC = "ndbc"
)

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Config configures the S3 client of an adapter.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are set: static keys, environment, shared credentials and
// config files, then instance or task roles.
//
// For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle. No default region is applied when Endpoint is set.
type Config struct {
	// Bucket is the bucket name (required).
	Bucket string

	Region   string
	Endpoint string
	Profile  string

	// AccessKeyID and SecretAccessKey must be set together.
	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// KeyTemplate renders object keys (required).
	KeyTemplate string

	// Parse is ParseRaw or ParseNDBC. Default: ParseRaw
	Parse string
}

// ConfigFrom reads a Config from spec options and run credentials.
func ConfigFrom(sc *source.Context, spec source.Spec) Config {
	pathStyle, _ := strconv.ParseBool(spec.Option(OptionForcePathStyle, "false"))
	return Config{
		Bucket:          spec.Option(OptionBucket, ""),
		Region:          spec.Option(OptionRegion, ""),
		Endpoint:        spec.Option(OptionEndpoint, spec.BaseURL),
		Profile:         spec.Option(OptionProfile, ""),
		AccessKeyID:     sc.Credential(CredentialAccessKeyID),
		SecretAccessKey: sc.Credential(CredentialSecretAccessKey),
		ForcePathStyle:  pathStyle,
		KeyTemplate:     spec.Option(OptionKeyTemplate, ""),
		Parse:           spec.Option(OptionParse, ParseRaw),
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "bucket", Message: "bucket name is required"}
	}
	if c.KeyTemplate == "" {
		return &ConfigError{Field: "key_template", Message: "key template is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "access_key_id/secret_access_key",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	switch c.Parse {
	case "", ParseRaw, ParseNDBC:
	default:
		return &ConfigError{Field: "parse", Message: "must be raw or ndbc"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3archive config: " + e.Field + ": " + e.Message
}

// resolveRegion applies the us-east-1 fallback for AWS S3 once the SDK has
// resolved explicit, environment and profile settings. S3-compatible
// endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
