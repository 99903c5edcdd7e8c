// Package gs implements the Google Cloud Storage service adapter,
// the GS counterpart to internal/storage/s3's Adapter.
package gs

import (
	"context"
	"fmt"
	"net/http"

	"github.com/objectfs/objectfs/internal/signer"
	"github.com/objectfs/objectfs/internal/transport"
	"github.com/objectfs/objectfs/pkg/types"
)

// Adapter implements types.ServiceAdapter against the GCS XML interop
// API, authenticated with OAuth2 bearer tokens rather than an HMAC
// scheme (see internal/signer.GSSigner).
type Adapter struct {
	urlPrefix string
	sgnr      signer.Signer
}

// NewAdapter builds a GS adapter for bucket, authenticating via
// keyFile (a service-account JSON file) or, if empty, Application
// Default Credentials.
func NewAdapter(ctx context.Context, bucket, keyFile string) (*Adapter, error) {
	gsSigner, err := signer.NewGSSigner(ctx, keyFile)
	if err != nil {
		return nil, fmt.Errorf("gs: constructing signer: %w", err)
	}
	return &Adapter{
		urlPrefix: "https://storage.googleapis.com/" + bucket,
		sgnr:      gsSigner,
	}, nil
}

func (a *Adapter) URLPrefix() string        { return a.urlPrefix }
func (a *Adapter) HeaderPrefix() string     { return "x-goog-" }
func (a *Adapter) HeaderMetaPrefix() string { return "x-goog-meta-" }
func (a *Adapter) XMLNamespace() string     { return "http://doc.s3.amazonaws.com/2006-03-01" }
func (a *Adapter) Signer() signer.Signer    { return a.sgnr }

// MultipartDownloadSupported is true: GCS has no separate multipart
// download protocol, but it serves ranged GETs, which is all the
// transfer engine's parallel download path needs.
func (a *Adapter) MultipartDownloadSupported() bool { return true }
func (a *Adapter) MultipartUploadSupported() bool   { return true }

func (a *Adapter) TransferStrategy() types.TransferStrategyKind {
	return types.TransferStrategyGSResumable
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
		return fmt.Errorf("gs: health check returned status %d", req.ResponseCode())
	}
	return nil
}
