package s3archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/gohindcast/pkg/fault"
	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/source/ndbc"
	"github.com/3leaps/gohindcast/pkg/unit"
)

// Kind is the registry key for this adapter.
const Kind = "s3archive"

// GetObjectAPI is the subset of the S3 client the adapter uses.
type GetObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Adapter fetches archive objects.
type Adapter struct {
	spec   source.Spec
	desc   source.Descriptor
	cfg    Config
	client GetObjectAPI
}

// New is the source.Factory for s3archive sources. It loads the AWS
// configuration eagerly so credential problems surface before planning.
func New(sc *source.Context, spec source.Spec) (source.Adapter, error) {
	cfg := ConfigFrom(sc, spec)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidConfig, err)
	}
	client, err := newClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: s3archive %s: %w", fault.ErrInvalidConfig, spec.Name, err)
	}
	return NewWithClient(sc, spec, client)
}

// NewWithClient returns an Adapter using client.
func NewWithClient(sc *source.Context, spec source.Spec, client GetObjectAPI) (*Adapter, error) {
	cfg := ConfigFrom(sc, spec)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidConfig, err)
	}
	desc, err := spec.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidConfig, err)
	}
	desc.Limits.Variables = sc.VariablesFor(spec.Name, desc.Limits.Variables)

	return &Adapter{spec: spec, desc: desc, cfg: cfg, client: client}, nil
}

func newClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Descriptor returns the source descriptor.
func (a *Adapter) Descriptor() source.Descriptor {
	return a.desc
}

// Key renders the object key for u.
func (a *Adapter) Key(u unit.Unit) string {
	start := u.Window.Start.UTC()
	r := u.Region
	return strings.NewReplacer(
		"{source}", a.spec.Name,
		"{year}", fmt.Sprintf("%04d", start.Year()),
		"{month}", fmt.Sprintf("%02d", int(start.Month())),
		"{day}", fmt.Sprintf("%02d", start.Day()),
		"{start}", start.Format("20060102"),
		"{end}", u.Window.End.UTC().Format("20060102"),
		"{variable}", u.Variable,
		"{lat}", strconv.FormatFloat(r.South, 'f', -1, 64),
		"{lon}", strconv.FormatFloat(r.West, 'f', -1, 64),
		"{region}", r.Key(),
		"{depth}", u.DepthKey(),
	).Replace(a.cfg.KeyTemplate)
}

// BuildRequest renders the object key for u.
func (a *Adapter) BuildRequest(u unit.Unit) (*source.Request, error) {
	key := a.Key(u)
	if key == "" || strings.Contains(key, "{") {
		return nil, fmt.Errorf("%w: unresolved key template %q", fault.ErrBadRequest, key)
	}
	return &source.Request{Unit: u, Bucket: a.cfg.Bucket, Key: key}, nil
}

// Fetch downloads the object.
func (a *Adapter) Fetch(ctx context.Context, req *source.Request) (*source.Raw, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(req.Bucket),
		Key:    aws.String(req.Key),
	})
	if err != nil {
		return nil, a.wrapError(req, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, a.wrapError(req, fmt.Errorf("%w: read body: %w", fault.ErrUnavailable, err))
	}
	return &source.Raw{
		Request:     req,
		Body:        body,
		ContentType: aws.ToString(out.ContentType),
		Received:    time.Now().UTC(),
	}, nil
}

// Parse returns the object as a raw passthrough payload, or parses it as
// NDBC stdmet text when configured.
func (a *Adapter) Parse(raw *source.Raw) (*source.Payload, error) {
	u := raw.Request.Unit
	p := &source.Payload{Unit: u}
	p.SetAttr("source", a.spec.Name)
	p.SetAttr("object", "s3://"+raw.Request.Bucket+"/"+raw.Request.Key)

	if a.cfg.Parse != ParseNDBC {
		p.Raw = raw.Body
		return p, nil
	}

	text, err := ndbc.Decompress(raw.Body)
	if err != nil {
		return nil, err
	}
	vars := a.desc.Limits.Variables
	if u.Variable != "" {
		vars = []string{u.Variable}
	}
	obs, units, err := ndbc.ParseStdmet(text, ndbc.Filter{
		Lat:       (u.Region.North + u.Region.South) / 2,
		Lon:       (u.Region.East + u.Region.West) / 2,
		Window:    u.Window,
		Variables: vars,
	})
	if err != nil {
		return nil, err
	}
	p.Observations = obs
	p.Raw = text
	for v, name := range units {
		p.SetAttr("units."+v, name)
	}
	return p, nil
}

// wrapError maps S3 failures onto the fault taxonomy. Typed S3 errors are
// checked first, then smithy API error codes, then the message text.
func (a *Adapter) wrapError(req *source.Request, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	wrapped := &fault.Error{
		Op:     "get_object",
		Source: a.spec.Name,
		Unit:   req.Unit.ID(),
		Err:    err,
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = fmt.Errorf("%w: %s: %w", fault.ErrNotFound, req.Key, err)
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = fmt.Errorf("%w: bucket %s: %w", fault.ErrInvalidConfig, req.Bucket, err)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel := codeSentinel(apiErr.ErrorCode()); sentinel != nil {
			wrapped.Err = fmt.Errorf("%w: %w", sentinel, err)
		}
		return wrapped
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey"), strings.Contains(msg, "StatusCode: 404"):
		wrapped.Err = fmt.Errorf("%w: %w", fault.ErrNotFound, err)
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "StatusCode: 403"):
		wrapped.Err = fmt.Errorf("%w: %w", fault.ErrUnauthorized, err)
	case strings.Contains(msg, "SlowDown"), strings.Contains(msg, "StatusCode: 429"):
		wrapped.Err = fmt.Errorf("%w: %w", fault.ErrRateLimited, err)
	case strings.Contains(msg, "ServiceUnavailable"), strings.Contains(msg, "StatusCode: 503"):
		wrapped.Err = fmt.Errorf("%w: %w", fault.ErrUnavailable, err)
	}
	return wrapped
}

func codeSentinel(code string) error {
	switch code {
	case "NoSuchKey", "NotFound":
		return fault.ErrNotFound
	case "NoSuchBucket", "InvalidBucketName":
		return fault.ErrInvalidConfig
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return fault.ErrUnauthorized
	case "SlowDown", "Throttling", "RequestLimitExceeded", "TooManyRequestsException":
		return fault.ErrRateLimited
	case "ServiceUnavailable", "InternalError":
		return fault.ErrUnavailable
	case "RequestTimeout":
		return fault.ErrTimeout
	case "InvalidRange", "InvalidArgument":
		return fault.ErrBadRequest
	}
	return nil
}

var _ source.Adapter = (*Adapter)(nil)
