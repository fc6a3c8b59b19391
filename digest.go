package deploy

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// DefaultDigestChunkSize is the block size used when streaming a file
// through the digest hash.
const DefaultDigestChunkSize = 8192

var digestValueRegexp = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Digest is a hex-encoded SHA-256 fingerprint of file content.
type Digest string

// Equal compares two digests in constant effort.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare([]byte(d), []byte(other)) == 1
}

func (d Digest) String() string {
	return string(d)
}

// FileDigest streams the file at path through SHA-256 in fixed-size blocks
// and returns the hex-encoded digest. A chunkSize of zero or less uses
// DefaultDigestChunkSize.
func FileDigest(path string, chunkSize int) (Digest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultDigestChunkSize
	}

	file, err := os.Open(path)
	if err != nil {
		return "", NewError(KindDigest, fmt.Errorf("error opening %s: %w", path, err))
	}
	defer file.Close()

	hash := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			hash.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", NewError(KindDigest, fmt.Errorf("error reading %s: %w", path, err))
		}
	}

	return Digest(hex.EncodeToString(hash.Sum(nil))), nil
}

// ParseDigestOutput parses the stdout of a remote checksum command
// (typically `sha256sum <file>`) into a Digest. It takes the first
// whitespace-separated field and tolerates trailing newline conventions of
// the various remote OS families.
func ParseDigestOutput(output string) (Digest, error) {
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) == 0 {
		return "", NewErrorf(KindDigest, "empty digest command output")
	}

	value := strings.ToLower(fields[0])
	if !digestValueRegexp.MatchString(value) {
		return "", NewErrorf(KindDigest, "malformed digest value %q", fields[0])
	}
	return Digest(value), nil
}
