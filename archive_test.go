package deploy

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// makeSourceTree builds a directory with an empty file, an ASCII file, a
// binary file, a nested subdirectory and an empty directory.
func makeSourceTree(t *testing.T) (string, []byte) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "source")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty-dir"), 0o755))

	binary := make([]byte, 1<<20)
	_, err := rand.Read(binary)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ascii.txt"), []byte("hello deploy\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nested", "blob.bin"), binary, 0o644))
	return root, binary
}

func requireTreesEqual(t *testing.T, source, dest string) {
	t.Helper()
	err := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		rel, err := filepath.Rel(source, path)
		require.NoError(t, err)
		target := filepath.Join(dest, rel)

		targetInfo, err := os.Lstat(target)
		require.NoError(t, err, "missing %s", rel)
		require.Equal(t, info.IsDir(), targetInfo.IsDir(), "type mismatch for %s", rel)

		if info.Mode().IsRegular() {
			want, err := os.ReadFile(path)
			require.NoError(t, err)
			got, err := os.ReadFile(target)
			require.NoError(t, err)
			require.True(t, bytes.Equal(want, got), "content mismatch for %s", rel)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPackUnpackTarGz(t *testing.T) {
	source, _ := makeSourceTree(t)
	require.NoError(t, os.Symlink("ascii.txt", filepath.Join(source, "link.txt")))

	archive, err := Pack(context.Background(), source, t.TempDir(), FormatTarGz)
	require.NoError(t, err)
	require.Equal(t, FormatTarGz, archive.Format)
	require.Positive(t, archive.Size)
	require.Equal(t, "source.tar.gz", filepath.Base(archive.Path))

	dest := filepath.Join(t.TempDir(), "dest")
	require.NoError(t, Unpack(context.Background(), archive.Path, dest))
	requireTreesEqual(t, source, dest)

	// tar.gz preserves permissions and symlinks
	info, err := os.Stat(filepath.Join(dest, "ascii.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(dest, "link.txt"))
	require.NoError(t, err)
	require.Equal(t, "ascii.txt", link)
}

func TestPackUnpackZip(t *testing.T) {
	source, _ := makeSourceTree(t)

	archive, err := Pack(context.Background(), source, t.TempDir(), FormatZip)
	require.NoError(t, err)
	require.Equal(t, "source.zip", filepath.Base(archive.Path))

	dest := filepath.Join(t.TempDir(), "dest")
	require.NoError(t, Unpack(context.Background(), archive.Path, dest))
	requireTreesEqual(t, source, dest)
}

func TestPackEmptyDirectory(t *testing.T) {
	source := filepath.Join(t.TempDir(), "source")
	require.NoError(t, os.MkdirAll(source, 0o755))

	for _, format := range []ArchiveFormat{FormatTarGz, FormatZip} {
		archive, err := Pack(context.Background(), source, t.TempDir(), format)
		require.NoError(t, err, "format %s", format)

		dest := filepath.Join(t.TempDir(), "dest-"+string(format))
		require.NoError(t, Unpack(context.Background(), archive.Path, dest))

		entries, err := os.ReadDir(dest)
		require.NoError(t, err)
		require.Empty(t, entries)
	}
}

func TestPackMissingSource(t *testing.T) {
	_, err := Pack(context.Background(), filepath.Join(t.TempDir(), "nope"), t.TempDir(), FormatTarGz)
	require.Error(t, err)
	require.True(t, IsKind(err, KindPack))
}

func TestPackInvalidFormat(t *testing.T) {
	_, err := Pack(context.Background(), t.TempDir(), t.TempDir(), ArchiveFormat("rar"))
	require.Error(t, err)
	require.True(t, IsKind(err, KindPack))
}

func TestUnpackCorruptArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("this is not gzip"), 0o644))

	err := Unpack(context.Background(), path, filepath.Join(t.TempDir(), "dest"))
	require.Error(t, err)
	require.True(t, IsKind(err, KindUnpack))
}

func TestUnpackUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.rar")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	err := Unpack(context.Background(), path, filepath.Join(t.TempDir(), "dest"))
	require.Error(t, err)
	require.True(t, IsKind(err, KindUnpack))
}

func TestArchiveRemove(t *testing.T) {
	source, _ := makeSourceTree(t)
	archive, err := Pack(context.Background(), source, t.TempDir(), FormatTarGz)
	require.NoError(t, err)

	require.NoError(t, archive.Remove())
	_, err = os.Stat(archive.Path)
	require.True(t, os.IsNotExist(err))
}

func TestSecureJoinRejectsEscape(t *testing.T) {
	_, err := secureJoin(t.TempDir(), "../../etc/passwd")
	require.Error(t, err)
	require.True(t, IsKind(err, KindUnpack))
}
