package s3

import (
	"context"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/objectfs/objectfs/internal/signer"
	"github.com/objectfs/objectfs/internal/transport"
	"github.com/objectfs/objectfs/pkg/types"
)

// Adapter implements types.ServiceAdapter for S3-compatible backends.
// Credential resolution is delegated to aws-sdk-go-v2's config/
// credentials chain (environment, shared config, instance profile,
// SSO); the resolved static key pair then drives the package's own
// literal HMAC-SHA1 signer rather than the SDK's request pipeline, so
// every byte on the wire still passes through internal/transport.
type Adapter struct {
	urlPrefix string
	sgnr      signer.Signer
}

// NewAdapter resolves AWS credentials (explicit key pair if given,
// otherwise the SDK's default chain) and builds the bucket URL from
// region/endpoint/path-style settings.
func NewAdapter(ctx context.Context, bucket, region, endpoint string, pathStyle bool, accessKeyID, secretAccessKey string) (*Adapter, error) {
	accessKeyID, secretAccessKey, err := resolveCredentials(ctx, region, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("s3: resolving credentials: %w", err)
	}

	return &Adapter{
		urlPrefix: bucketURL(bucket, region, endpoint, pathStyle),
		sgnr:      &signer.AWSSigner{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey},
	}, nil
}

func resolveCredentials(ctx context.Context, region, accessKeyID, secretAccessKey string) (string, string, error) {
	if accessKeyID != "" && secretAccessKey != "" {
		return accessKeyID, secretAccessKey, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return "", "", err
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", "", err
	}
	return creds.AccessKeyID, creds.SecretAccessKey, nil
}

func bucketURL(bucket, region, endpoint string, pathStyle bool) string {
	if endpoint != "" {
		if pathStyle {
			return endpoint + "/" + bucket
		}
		return "https://" + bucket + "." + trimScheme(endpoint)
	}
	if pathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s", region, bucket)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
}

func trimScheme(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if len(endpoint) > len(prefix) && endpoint[:len(prefix)] == prefix {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

func (a *Adapter) URLPrefix() string        { return a.urlPrefix }
func (a *Adapter) HeaderPrefix() string     { return "x-amz-" }
func (a *Adapter) HeaderMetaPrefix() string { return "x-amz-meta-" }
func (a *Adapter) XMLNamespace() string     { return "http://s3.amazonaws.com/doc/2006-03-01/" }
func (a *Adapter) Signer() signer.Signer    { return a.sgnr }

func (a *Adapter) MultipartDownloadSupported() bool { return true }
func (a *Adapter) MultipartUploadSupported() bool   { return true }

func (a *Adapter) TransferStrategy() types.TransferStrategyKind {
	return types.TransferStrategyS3Multipart
}

func (a *Adapter) NewRequest(client *http.Client) *transport.Request {
	return transport.New(client, a.sgnr, a.urlPrefix, a.HeaderPrefix())
}

// HealthCheck issues a HEAD against the bucket root, satisfying
// types.HealthCheckable.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	req := a.NewRequest(http.DefaultClient)
	req.Init(transport.MethodHead)
	req.SetURL("/", "")
	if err := req.Run(ctx, 0); err != nil {
		return err
	}
	if req.ResponseCode()/100 != 2 {
		return fmt.Errorf("s3: health check returned status %d", req.ResponseCode())
	}
	return nil
}
