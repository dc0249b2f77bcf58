package models

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	upscaler "github.com/e7canasta/orion-upscaler"
	"github.com/e7canasta/orion-upscaler/resilience"
)

// fakeS3 is a path-style S3 GetObject responder.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte // "bucket/key"
	status   int               // forced status when non-zero
	requests []string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	path := strings.TrimPrefix(req.URL.Path, "/")
	f.mu.Lock()
	f.requests = append(f.requests, req.Method+" "+path)
	body, ok := f.objects[path]
	status := f.status
	f.mu.Unlock()

	xmlErr := func(code int, s3Code string) *http.Response {
		payload := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, s3Code, s3Code)
		return &http.Response{
			StatusCode: code,
			Header:     http.Header{"Content-Type": {"application/xml"}},
			Body:       io.NopCloser(strings.NewReader(payload)),
			Request:    req,
		}
	}

	switch {
	case status != 0:
		return xmlErr(status, http.StatusText(status)), nil
	case req.Method != http.MethodGet:
		return xmlErr(http.StatusMethodNotAllowed, "MethodNotAllowed"), nil
	case !ok:
		return xmlErr(http.StatusNotFound, "NoSuchKey"), nil
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Length": {fmt.Sprint(len(body))}, "Content-Type": {"application/octet-stream"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func newFakeS3Source(t *testing.T, fake *fakeS3, prefix string) *S3Source {
	t.Helper()
	src, err := NewS3Source(context.Background(), S3Config{
		Bucket:          "weights",
		Prefix:          prefix,
		Endpoint:        "https://s3.test.local",
		UsePathStyle:    true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: fake},
	})
	if err != nil {
		t.Fatalf("NewS3Source failed: %v", err)
	}
	return src
}

func TestS3SourceFetch(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"weights/models/natural.rsr": []byte("container")}}
	src := newFakeS3Source(t, fake, "models")

	data, err := src.Fetch(context.Background(), "natural.rsr")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != "container" {
		t.Errorf("data = %q", data)
	}
	if len(fake.requests) != 1 || fake.requests[0] != "GET weights/models/natural.rsr" {
		t.Errorf("requests = %v", fake.requests)
	}
}

func TestS3SourceClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		want      error
		retryable bool
	}{
		{"missing object", 0, upscaler.ErrIO, false},
		{"forbidden", http.StatusForbidden, upscaler.ErrIO, false},
		{"bad request", http.StatusBadRequest, upscaler.ErrIO, false},
		{"throttled", http.StatusTooManyRequests, upscaler.ErrNetwork, true},
		{"unavailable", http.StatusServiceUnavailable, upscaler.ErrNetwork, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeS3{objects: map[string][]byte{}, status: tt.status}
			src := newFakeS3Source(t, fake, "")

			_, err := src.Fetch(context.Background(), "natural.rsr")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if got := resilience.IsRetryable(err); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
			// SDK retries are disabled
			if len(fake.requests) != 1 {
				t.Errorf("requests = %d, want 1", len(fake.requests))
			}
		})
	}
}

func TestRegistryOverS3(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"weights/natural.rsr": testContainer(t, 3)}}
	reg := NewRegistry(newFakeS3Source(t, fake, ""), fastRetry())

	n, err := reg.Get(context.Background(), "natural.rsr")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n.Factor() != 3 {
		t.Errorf("Factor = %d, want 3", n.Factor())
	}
}

func TestNewS3SourceRequiresBucket(t *testing.T) {
	if _, err := NewS3Source(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected an error")
	}
}
