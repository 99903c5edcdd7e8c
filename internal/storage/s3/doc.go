// Package s3 implements types.ServiceAdapter for S3-compatible object
// stores: bucket URL construction (virtual-hosted or path-style,
// default AWS or a custom endpoint), AWS credential resolution via
// aws-sdk-go-v2, and the x-amz- header/XML conventions internal/
// transport, internal/directory, and internal/transfer's multipart
// strategy all key off of.
//
// The adapter only resolves credentials and describes the wire
// conventions; every request is an internal/transport Request (the
// filesystem's traffic runs on internal/workerpool workers, HealthCheck
// issues its own), so signing stays centralized rather than duplicated
// per backend. The adapter itself does no retrying or circuit-breaking.
package s3
