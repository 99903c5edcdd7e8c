package types

import (
	"context"
	"net/http"

	"github.com/objectfs/objectfs/internal/signer"
	"github.com/objectfs/objectfs/internal/transport"
)

// TransferStrategyKind distinguishes the two multipart-upload
// protocols: they share no step sequence, so they live as distinct
// strategy objects selected here rather than behind a shared upload
// base type.
type TransferStrategyKind int

const (
	TransferStrategyS3Multipart TransferStrategyKind = iota
	TransferStrategyGSResumable
)

// ServiceAdapter is the small polymorphic boundary between the
// generic transfer/cache/directory layers and one concrete backend:
// URL scheme, header namespace, signing, and capability flags.
type ServiceAdapter interface {
	// URLPrefix is the backend's bucket URL, e.g.
	// "https://bucket.s3.us-east-1.amazonaws.com".
	URLPrefix() string
	// HeaderPrefix is the vendor header namespace, e.g. "x-amz-" or
	// "x-goog-".
	HeaderPrefix() string
	// HeaderMetaPrefix is where user metadata is carried, e.g.
	// "x-amz-meta-" or "x-goog-meta-".
	HeaderMetaPrefix() string
	// XMLNamespace is the namespace used in parsing listing/multipart
	// XML bodies.
	XMLNamespace() string
	// Signer returns the credential-signing strategy for this backend.
	Signer() signer.Signer
	// MultipartDownloadSupported/MultipartUploadSupported are
	// capability flags consulted by the transfer engine to decide
	// whether to split large transfers into parts.
	MultipartDownloadSupported() bool
	MultipartUploadSupported() bool
	// TransferStrategy selects which upload protocol the transfer
	// engine uses for this backend.
	TransferStrategy() TransferStrategyKind
	// NewRequest builds a Request bound to this adapter's prefix,
	// header namespace, and signer.
	NewRequest(client *http.Client) *transport.Request
}

// HealthCheckable is implemented by backends that can report liveness
// independently of the ServiceAdapter surface, for the health
// tracker's periodic probes.
type HealthCheckable interface {
	HealthCheck(ctx context.Context) error
}
