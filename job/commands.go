package job

import (
	"fmt"
	"strings"

	deploy "github.com/rs-cuongph/my-deploy-tool"
)

// The remote command surface assumes a Unix remote (Debian-family,
// RPM-family or similar) with tar/unzip and sha256sum available.

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func testDirCommand(path string) string {
	return "test -d " + shellEscape(path)
}

func removeDirCommand(path string) string {
	return "rm -rf " + shellEscape(path)
}

func makeDirCommand(path string) string {
	return "mkdir -p " + shellEscape(path)
}

func removeFileCommand(path string) string {
	return "rm -f " + shellEscape(path)
}

func digestCommand(path string) string {
	return "sha256sum " + shellEscape(path)
}

func unpackCommand(format deploy.ArchiveFormat, archivePath, destDir string) string {
	if format == deploy.FormatZip {
		return fmt.Sprintf("unzip -o %s -d %s", shellEscape(archivePath), shellEscape(destDir))
	}
	return fmt.Sprintf("tar -xzf %s -C %s", shellEscape(archivePath), shellEscape(destDir))
}
