package client

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/legalsim/render-orchestrator/internal/config"
)

func testR2Config() *config.R2Config {
	return &config.R2Config{
		AccountID:       "acct",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		BucketName:      "renders",
	}
}

func TestNewR2ClientRequiresConfig(t *testing.T) {
	cfg := testR2Config()
	cfg.BucketName = ""
	if _, err := NewR2Client(cfg); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestR2PutInputFromArtifact(t *testing.T) {
	c := &R2Client{bucket: "renders"}
	data := []byte("frame-0frame-1")
	sum := sha256.Sum256(data)
	key := ArtifactKey("case-1", "job-1", "mp4")

	in := c.putInput(key, NewArtifact(data, hex.EncodeToString(sum[:])), ContentType("mp4"))
	if aws.ToString(in.Bucket) != "renders" || aws.ToString(in.Key) != key {
		t.Fatalf("unexpected target %s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
	}
	if aws.ToInt64(in.ContentLength) != int64(len(data)) {
		t.Errorf("expected content length %d, got %d", len(data), aws.ToInt64(in.ContentLength))
	}
	if in.Metadata[metaChecksum] != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum metadata missing: %v", in.Metadata)
	}
	if aws.ToString(in.ChecksumSHA256) != base64.StdEncoding.EncodeToString(sum[:]) {
		t.Errorf("unexpected integrity checksum %s", aws.ToString(in.ChecksumSHA256))
	}
	if aws.ToString(in.ContentDisposition) != `attachment; filename="job-1.mp4"` {
		t.Errorf("unexpected disposition %s", aws.ToString(in.ContentDisposition))
	}

	plain := c.putInput(key, strings.NewReader("x"), "video/mp4")
	if plain.Metadata != nil || plain.ChecksumSHA256 != nil || plain.ContentLength != nil {
		t.Error("plain readers carry no size or checksum")
	}
}

func TestR2PublicURL(t *testing.T) {
	c := &R2Client{bucket: "renders", endpoint: r2Endpoint("acct")}
	if got := c.GetPublicURL("renders/c/j.mp4"); got != "https://acct.r2.cloudflarestorage.com/renders/renders/c/j.mp4" {
		t.Fatalf("unexpected bucket url %s", got)
	}
	c.publicURL = "https://cdn.example.com"
	if got := c.GetPublicURL("renders/c/j.mp4"); got != "https://cdn.example.com/renders/c/j.mp4" {
		t.Fatalf("unexpected cdn url %s", got)
	}
}

func TestR2Stat(t *testing.T) {
	key := ArtifactKey("case-1", "job-1", "mp4")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead || r.URL.Path != "/renders/"+key {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "6")
		w.Header().Set("X-Amz-Meta-Sha256", "abc123")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := newR2Client(testR2Config(), srv.URL)
	if err != nil {
		t.Fatalf("newR2Client failed: %v", err)
	}

	info, err := c.Stat(context.Background(), key)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Checksum != "abc123" || info.ContentType != "video/mp4" || info.Size != 6 {
		t.Fatalf("unexpected info %+v", info)
	}

	if _, err := c.Stat(context.Background(), "renders/case-1/missing.mp4"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}
