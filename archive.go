package deploy

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ArchiveFormat selects the archive packaging format.
type ArchiveFormat string

const (
	// FormatTarGz preserves POSIX permissions and symlinks.
	FormatTarGz ArchiveFormat = "tar.gz"
	// FormatZip preserves names and regular file content only. Callers
	// deploying to POSIX remotes should prefer FormatTarGz.
	FormatZip ArchiveFormat = "zip"
)

// Valid returns whether the format is a supported archive format.
func (f ArchiveFormat) Valid() bool {
	return f == FormatTarGz || f == FormatZip
}

// Extension returns the file extension for the format, including the dot.
func (f ArchiveFormat) Extension() string {
	return "." + string(f)
}

// Archive is the transient packaged artifact for a single sync job. It is
// removed from disk (local and remote temporary copy) when the job ends.
type Archive struct {
	Path   string
	Format ArchiveFormat
	Size   int64
	Digest Digest
}

// Remove deletes the local archive file.
func (a *Archive) Remove() error {
	return os.Remove(a.Path)
}

// Pack packages the full relative-path tree rooted at sourceDir into a single
// compressed file inside destDir and returns the resulting Archive.
// Empty directories and zero-byte files round-trip through the archive.
func Pack(ctx context.Context, sourceDir, destDir string, format ArchiveFormat) (*Archive, error) {
	if !format.Valid() {
		return nil, NewErrorf(KindPack, "unsupported archive format %q", format)
	}

	info, err := os.Stat(sourceDir)
	if err != nil {
		return nil, NewError(KindPack, fmt.Errorf("error reading source directory: %w", err))
	}
	if !info.IsDir() {
		return nil, NewErrorf(KindPack, "source %s is not a directory", sourceDir)
	}

	name := filepath.Base(strings.TrimRight(sourceDir, string(os.PathSeparator)))
	archivePath := filepath.Join(destDir, name+format.Extension())

	file, err := os.Create(archivePath)
	if err != nil {
		return nil, NewError(KindPack, fmt.Errorf("error creating archive file: %w", err))
	}

	switch format {
	case FormatTarGz:
		err = packTar(ctx, sourceDir, file)
	case FormatZip:
		err = packZip(ctx, sourceDir, file)
	}
	if err != nil {
		_ = file.Close()
		_ = os.Remove(archivePath)
		return nil, err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(archivePath)
		return nil, NewError(KindPack, fmt.Errorf("error closing archive file: %w", err))
	}

	stat, err := os.Stat(archivePath)
	if err != nil {
		return nil, NewError(KindPack, fmt.Errorf("error inspecting archive file: %w", err))
	}

	return &Archive{
		Path:   archivePath,
		Format: format,
		Size:   stat.Size(),
	}, nil
}

func packTar(ctx context.Context, sourceDir string, out io.Writer) error {
	gzWriter := gzip.NewWriter(out)
	tarWriter := tar.NewWriter(gzWriter)

	err := walkSource(ctx, sourceDir, func(relPath, fullPath string, info os.FileInfo) error {
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			var err error
			link, err = os.Readlink(fullPath)
			if err != nil {
				return fmt.Errorf("error reading symlink %s: %w", relPath, err)
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("error building tar header for %s: %w", relPath, err)
		}
		header.Name = relPath
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("error writing tar header for %s: %w", relPath, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(fullPath)
		if err != nil {
			return fmt.Errorf("error opening %s: %w", relPath, err)
		}
		defer file.Close()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("error archiving %s: %w", relPath, err)
		}
		return nil
	})
	if err != nil {
		return NewError(KindPack, err)
	}

	if err := tarWriter.Close(); err != nil {
		return NewError(KindPack, fmt.Errorf("error closing tar stream: %w", err))
	}
	if err := gzWriter.Close(); err != nil {
		return NewError(KindPack, fmt.Errorf("error closing gzip stream: %w", err))
	}
	return nil
}

func packZip(ctx context.Context, sourceDir string, out io.Writer) error {
	zipWriter := zip.NewWriter(out)

	err := walkSource(ctx, sourceDir, func(relPath, fullPath string, info os.FileInfo) error {
		if info.IsDir() {
			_, err := zipWriter.Create(relPath + "/")
			return err
		}
		if !info.Mode().IsRegular() {
			return nil // zip carries regular files only
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("error building zip header for %s: %w", relPath, err)
		}
		header.Name = relPath
		header.Method = zip.Deflate

		entry, err := zipWriter.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("error creating zip entry for %s: %w", relPath, err)
		}

		file, err := os.Open(fullPath)
		if err != nil {
			return fmt.Errorf("error opening %s: %w", relPath, err)
		}
		defer file.Close()
		if _, err := io.Copy(entry, file); err != nil {
			return fmt.Errorf("error archiving %s: %w", relPath, err)
		}
		return nil
	})
	if err != nil {
		return NewError(KindPack, err)
	}

	if err := zipWriter.Close(); err != nil {
		return NewError(KindPack, fmt.Errorf("error closing zip stream: %w", err))
	}
	return nil
}

// walkSource walks the tree below sourceDir, invoking fn with slash-separated
// paths relative to sourceDir. The root itself is not visited.
func walkSource(ctx context.Context, sourceDir string, fn func(relPath, fullPath string, info os.FileInfo) error) error {
	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == sourceDir {
			return nil
		}

		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(relPath), path, info)
	})
}

// Unpack extracts the archive at archivePath into destDir, creating destDir
// if needed. The format is derived from the archive file name. It is the
// inverse of Pack and normally runs on the remote host; the local
// implementation backs tests and same-host deploys.
func Unpack(ctx context.Context, archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return NewError(KindUnpack, fmt.Errorf("error creating destination: %w", err))
	}

	switch {
	case strings.HasSuffix(archivePath, FormatTarGz.Extension()), strings.HasSuffix(archivePath, ".tgz"):
		return unpackTar(ctx, archivePath, destDir)
	case strings.HasSuffix(archivePath, FormatZip.Extension()):
		return unpackZip(ctx, archivePath, destDir)
	}
	return NewErrorf(KindUnpack, "unsupported archive %q", filepath.Base(archivePath))
}

func unpackTar(ctx context.Context, archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return NewError(KindUnpack, fmt.Errorf("error opening archive: %w", err))
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return NewError(KindUnpack, fmt.Errorf("invalid gzip stream: %w", err))
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		if ctx.Err() != nil {
			return NewError(KindUnpack, ctx.Err())
		}

		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return NewError(KindUnpack, fmt.Errorf("corrupt archive: %w", err))
		}

		target, err := secureJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, header.FileInfo().Mode().Perm()); err != nil {
				return NewError(KindUnpack, fmt.Errorf("error creating directory %s: %w", header.Name, err))
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return NewError(KindUnpack, fmt.Errorf("error creating parent of %s: %w", header.Name, err))
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return NewError(KindUnpack, fmt.Errorf("error creating symlink %s: %w", header.Name, err))
			}
		case tar.TypeReg:
			if err := extractFile(target, tarReader, header.FileInfo().Mode().Perm()); err != nil {
				return NewError(KindUnpack, fmt.Errorf("error extracting %s: %w", header.Name, err))
			}
		}
	}
}

func unpackZip(ctx context.Context, archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return NewError(KindUnpack, fmt.Errorf("corrupt archive: %w", err))
	}
	defer reader.Close()

	for _, entry := range reader.File {
		if ctx.Err() != nil {
			return NewError(KindUnpack, ctx.Err())
		}

		target, err := secureJoin(destDir, entry.Name)
		if err != nil {
			return err
		}

		if strings.HasSuffix(entry.Name, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return NewError(KindUnpack, fmt.Errorf("error creating directory %s: %w", entry.Name, err))
			}
			continue
		}

		src, err := entry.Open()
		if err != nil {
			return NewError(KindUnpack, fmt.Errorf("corrupt entry %s: %w", entry.Name, err))
		}
		err = extractFile(target, src, entry.Mode().Perm())
		_ = src.Close()
		if err != nil {
			return NewError(KindUnpack, fmt.Errorf("error extracting %s: %w", entry.Name, err))
		}
	}
	return nil
}

func extractFile(target string, src io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, src); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// secureJoin joins name below destDir, rejecting entries that would escape it.
func secureJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", NewErrorf(KindUnpack, "archive entry %q escapes destination", name)
	}
	return target, nil
}
