package client

import (
	"bytes"
	"fmt"
)

var contentTypes = map[string]string{
	"mp4": "video/mp4",
	"mov": "video/quicktime",
	"png": "application/octet-stream",
}

// ArtifactKey is the object key a job's output is stored under.
func ArtifactKey(caseID, jobID, format string) string {
	return fmt.Sprintf("renders/%s/%s.%s", caseID, jobID, format)
}

// ContentType maps an output format to its MIME type.
func ContentType(format string) string {
	if ct, ok := contentTypes[format]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Artifact is a finished render body with its known digest.
type Artifact struct {
	*bytes.Reader
	checksum string
	size     int64
}

// NewArtifact wraps rendered bytes for upload.
func NewArtifact(data []byte, checksum string) *Artifact {
	return &Artifact{Reader: bytes.NewReader(data), checksum: checksum, size: int64(len(data))}
}

func (a *Artifact) Checksum() string { return a.checksum }

// Size is the total artifact size, independent of how much was read.
func (a *Artifact) Size() int64 { return a.size }
