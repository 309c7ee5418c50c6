package s3

import (
	"context"
	"fmt"
	"testing"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/prismfs/prismfs/pkg/errors"
)

func TestTranslateError(t *testing.T) {
	b := &Backend{bucket: "test-bucket"}

	tests := []struct {
		name string
		err  error
		want errors.Kind
	}{
		{"no such key", &s3types.NoSuchKey{}, errors.KindNotFound},
		{"head not found", &s3types.NotFound{}, errors.KindNotFound},
		{"no such bucket", &s3types.NoSuchBucket{}, errors.KindUnavailable},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, errors.KindPermissionDenied},
		{"bad credentials", &smithy.GenericAPIError{Code: "InvalidAccessKeyId"}, errors.KindPermissionDenied},
		{"precondition failed", &smithy.GenericAPIError{Code: "PreconditionFailed"}, errors.KindConflict},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, errors.KindUnavailable},
		{"internal error", &smithy.GenericAPIError{Code: "InternalError"}, errors.KindUnavailable},
		{"deadline", context.DeadlineExceeded, errors.KindTimeout},
		{"canceled", context.Canceled, errors.KindTimeout},
		{"unknown", fmt.Errorf("connection reset"), errors.KindUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			translated := b.translateError(tt.err, "s3.test", "some/key")
			if kind := errors.KindOf(translated); kind != tt.want {
				t.Errorf("kind = %v, want %v", kind, tt.want)
			}
		})
	}
}

func TestTranslatedErrorsDriveRetry(t *testing.T) {
	b := &Backend{bucket: "test-bucket"}

	retryable := b.translateError(&smithy.GenericAPIError{Code: "SlowDown"}, "s3.put", "k")
	if !errors.IsRetryable(retryable) {
		t.Error("SlowDown should be retryable")
	}

	permanent := b.translateError(&smithy.GenericAPIError{Code: "AccessDenied"}, "s3.put", "k")
	if errors.IsRetryable(permanent) {
		t.Error("AccessDenied must not be retried")
	}

	missing := b.translateError(&s3types.NoSuchKey{}, "s3.get", "k")
	if errors.IsRetryable(missing) {
		t.Error("NotFound must not be retried")
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"report.json", "application/json"},
		{"page.html", "text/html"},
		{"notes.txt", "text/plain"},
		{"photo.jpg", "image/jpeg"},
		{"photo.jpeg", "image/jpeg"},
		{"chart.png", "image/png"},
		{"paper.pdf", "application/pdf"},
		{"binary.dat", "application/octet-stream"},
		{"no-extension", "application/octet-stream"},
	}

	for _, tt := range tests {
		if got := detectContentType(tt.key); got != tt.want {
			t.Errorf("detectContentType(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
