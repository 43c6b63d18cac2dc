package ioworkspace

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"sandboxrunner/internal/logging"
)

// Artifact is a single file collected from a container's output directory.
type Artifact struct {
	MimeType   string `json:"mimeType"`
	ContentB64 string `json:"contentB64"`
}

// ArchiveSource supplies a tar stream of a path inside a running container,
// mirroring the container runtime's getArchive RPC. Implemented by
// internal/sandbox's Container.
type ArchiveSource interface {
	CopyFromContainer(ctx context.Context, containerPath string) (io.ReadCloser, error)
}

// CollectArtifacts requests a tar archive of the in-container output/
// directory, extracts it into workspaceRoot/output, and returns a map of
// relative filename to base64-encoded content with an inferred mime type. A
// missing output/ directory yields an empty map, not an error. Each file's
// read is capped at maxBytes via the same limitedWriter DemuxStdio uses;
// maxBytes <= 0 means unbounded.
func CollectArtifacts(ctx context.Context, src ArchiveSource, containerOutputPath, workspaceRoot string, maxBytes int64) (map[string]Artifact, error) {
	rc, err := src.CopyFromContainer(ctx, containerOutputPath)
	if err != nil {
		// ArtifactRetrievalFailure is non-fatal: log a warning, return an empty map.
		logging.S().Warnw("artifact retrieval failed", "path", containerOutputPath, "error", err)
		return map[string]Artifact{}, nil
	}
	defer rc.Close()

	destRoot := filepath.Join(workspaceRoot, "output")
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact destination: %w", err)
	}

	tr := tar.NewReader(rc)
	artifacts := map[string]Artifact{}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read artifact archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Base(hdr.Name)
		if name == "." || name == "/" {
			continue
		}

		var buf bytes.Buffer
		lw := newLimitedWriter(&buf, maxBytes)
		if _, err := io.Copy(lw, tr); err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", name, err)
		}
		data := buf.Bytes()
		if err := os.WriteFile(filepath.Join(destRoot, name), data, 0o644); err != nil {
			return nil, fmt.Errorf("extract artifact %s: %w", name, err)
		}

		artifacts[name] = Artifact{
			MimeType:   inferMimeType(name),
			ContentB64: base64.StdEncoding.EncodeToString(data),
		}
	}

	return artifacts, nil
}

func inferMimeType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
