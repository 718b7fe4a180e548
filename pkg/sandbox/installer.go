package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jdziat/durable-flows/pkg/core"
)

// MaxArchiveFileSize caps each file unpacked from a code archive.
const MaxArchiveFileSize = 64 << 20

// ErrArchiveFileTooLarge is returned for an archive entry over the size cap.
var ErrArchiveFileTooLarge = errors.New("sandbox: archive file too large")

// DefaultInstallTimeout bounds each piece install command.
const DefaultInstallTimeout = 5 * time.Minute

// ManifestFile lists the pieces and archives installed in a workspace. The
// cache writes it once an install succeeds.
const ManifestFile = "sandbox.json"

// Installer fills an empty workspace with what an execution unit needs.
type Installer interface {
	Install(ctx context.Context, workspace string, pieces []core.PieceRef, archives []core.CodeArtifact) error
}

// ArchiveSource fetches code archive bytes by blob reference.
type ArchiveSource interface {
	GetOne(ctx context.Context, ref string) ([]byte, error)
}

// Manifest is the content of ManifestFile.
type Manifest struct {
	Pieces   []core.PieceRef     `json:"pieces"`
	Archives []core.CodeArtifact `json:"archives"`
}

// WorkspaceInstaller installs pieces by running Command once per piece with
// "name@version" appended, and unpacks each code archive (tar.gz) into
// codes/<contentId>.
type WorkspaceInstaller struct {
	Runner   Runner
	Command  []string
	Archives ArchiveSource
	Timeout  time.Duration
	// MaxFileSize caps each unpacked file. Zero means MaxArchiveFileSize.
	MaxFileSize int64
}

// Install implements Installer.
func (i *WorkspaceInstaller) Install(ctx context.Context, workspace string, pieces []core.PieceRef, archives []core.CodeArtifact) error {
	for _, p := range pieces {
		if err := i.installPiece(ctx, workspace, p); err != nil {
			return err
		}
	}
	for _, a := range archives {
		if err := i.unpack(ctx, workspace, a); err != nil {
			return err
		}
	}
	return nil
}

func (i *WorkspaceInstaller) installPiece(ctx context.Context, workspace string, p core.PieceRef) error {
	if p.Name == "" || p.Version == "" {
		return core.Errorf(core.CodeValidation, "piece %q needs an exact version", p.Name)
	}
	if len(i.Command) == 0 {
		return nil
	}

	timeout := i.Timeout
	if timeout <= 0 {
		timeout = DefaultInstallTimeout
	}
	runner := i.Runner
	if runner == nil {
		runner = &ProcessRunner{}
	}

	out, err := runner.Run(ctx, Command{
		Path:    i.Command[0],
		Args:    append(append([]string{}, i.Command[1:]...), p.Name+"@"+p.Version),
		Dir:     workspace,
		Timeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("install %s@%s: %w", p.Name, p.Version, err)
	}
	if out.TimedOut {
		return fmt.Errorf("install %s@%s: timed out after %s", p.Name, p.Version, timeout)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("install %s@%s: exit code %d: %s", p.Name, p.Version, out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return nil
}

func (i *WorkspaceInstaller) unpack(ctx context.Context, workspace string, a core.CodeArtifact) error {
	if a.ContentID == "" || strings.ContainsAny(a.ContentID, `/\`) || a.ContentID == ".." {
		return core.Errorf(core.CodeValidation, "invalid code archive content id %q", a.ContentID)
	}
	if i.Archives == nil {
		return errors.New("no archive source configured")
	}
	data, err := i.Archives.GetOne(ctx, a.BlobRef)
	if err != nil {
		return fmt.Errorf("fetch code archive %s: %w", a.ContentID, err)
	}
	limit := i.MaxFileSize
	if limit <= 0 {
		limit = MaxArchiveFileSize
	}
	dest := filepath.Join(workspace, "codes", a.ContentID)
	if err := extractArchive(dest, data, limit); err != nil {
		return fmt.Errorf("unpack code archive %s: %w", a.ContentID, err)
	}
	return nil
}

// extractArchive unpacks a tar.gz into dir. Entries that would land outside
// dir or exceed maxFile bytes are rejected.
func extractArchive(dir string, data []byte, maxFile int64) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.Join(absDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, absDir+string(filepath.Separator)) && target != absDir {
			return fmt.Errorf("archive entry %q escapes extraction directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode)&0o755, maxFile); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode, maxSize int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o600)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	defer f.Close()
	n, err := io.Copy(f, io.LimitReader(r, maxSize+1))
	if err != nil {
		return fmt.Errorf("write file %s: %w", target, err)
	}
	if n > maxSize {
		return fmt.Errorf("%w: %s is over %d bytes", ErrArchiveFileTooLarge, target, maxSize)
	}
	return nil
}
