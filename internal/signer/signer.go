// Package signer implements the credential-signing strategies used by
// the request primitive in internal/transport. Each service adapter
// supplies the Signer its backend expects: AWS-style HMAC-SHA1 for
// S3-compatible endpoints, OAuth2 bearer tokens for Google Cloud
// Storage.
package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// SignableRequest is the subset of internal/transport.Request a Signer
// needs to compute and attach an Authorization header. It is an
// interface (rather than a concrete struct) so the signer package has
// no import-cycle on transport.
type SignableRequest interface {
	Method() string
	Path() string
	Header(key string) string
	SetHeader(key, value string)
	HeaderPrefix() string
}

// Signer authenticates an outgoing request by setting whatever
// headers its scheme requires.
type Signer interface {
	Sign(req SignableRequest) error
}

// AWSSigner implements the legacy S3 "AWS" canonical-string /
// HMAC-SHA1 signing scheme. Many S3-compatible endpoints still require
// exactly this form even though AWS's own endpoints have migrated to
// SigV4.
type AWSSigner struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Sign computes the legacy S3 canonical string:
//
//	method + "\n" + content-md5 + "\n" + content-type + "\n" + date + "\n"
//	    + (sorted amz-prefixed headers, "k:v\n") + path
//
// and attaches it as "Authorization: AWS access_key:signature".
func (s *AWSSigner) Sign(req SignableRequest) error {
	if req.Header("Date") == "" {
		req.SetHeader("Date", httpDate())
	}

	canonical := s.canonicalString(req)
	mac := hmac.New(sha1.New, []byte(s.SecretAccessKey))
	mac.Write([]byte(canonical))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.SetHeader("Authorization", fmt.Sprintf("AWS %s:%s", s.AccessKeyID, signature))
	return nil
}

func (s *AWSSigner) canonicalString(req SignableRequest) string {
	var b strings.Builder
	b.WriteString(req.Method())
	b.WriteByte('\n')
	b.WriteString(req.Header("Content-MD5"))
	b.WriteByte('\n')
	b.WriteString(req.Header("Content-Type"))
	b.WriteByte('\n')
	b.WriteString(req.Header("Date"))
	b.WriteByte('\n')

	prefix := req.HeaderPrefix()
	for _, h := range sortedAmzHeaders(req, prefix) {
		b.WriteString(h)
		b.WriteByte(':')
		b.WriteString(req.Header(h))
		b.WriteByte('\n')
	}

	b.WriteString(req.Path())
	return b.String()
}

// amzHeaderLister is implemented by concrete requests that can
// enumerate the headers they currently hold (internal/transport.Request
// does). It's optional: a caller that can't enumerate headers simply
// signs without any amz-prefixed lines, matching a request with none set.
type amzHeaderLister interface {
	Headers() map[string]string
}

func sortedAmzHeaders(req SignableRequest, prefix string) []string {
	lister, ok := req.(amzHeaderLister)
	if !ok {
		return nil
	}

	var names []string
	for k := range lister.Headers() {
		if strings.HasPrefix(k, prefix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func httpDate() string {
	return time.Now().UTC().Format(http.TimeFormat)
}
