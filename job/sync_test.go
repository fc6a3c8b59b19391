package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	deploy "github.com/rs-cuongph/my-deploy-tool"
	"github.com/rs-cuongph/my-deploy-tool/transport"
)

// fakeTransport emulates the remote host inside a sandbox directory: every
// absolute remote path is mapped below root, and the handful of commands the
// sync engine issues are executed against the local filesystem.
type fakeTransport struct {
	t    *testing.T
	root string

	mu            sync.Mutex
	execLog       []string
	uploads       int
	closes        int
	failUploads   int
	failRemoveDir bool
	tamperUpload  bool
}

func newFakeTransport(t *testing.T) *fakeTransport {
	return &fakeTransport{
		t:    t,
		root: t.TempDir(),
	}
}

func (f *fakeTransport) mapPath(remote string) string {
	return filepath.Join(f.root, filepath.FromSlash(strings.TrimPrefix(remote, "/")))
}

func (f *fakeTransport) Upload(ctx context.Context, localPath, remotePath string, onProgress deploy.ProgressCallback) error {
	f.mu.Lock()
	f.uploads++
	mustFail := f.uploads <= f.failUploads
	f.mu.Unlock()

	if mustFail {
		return deploy.NewError(deploy.KindUpload, errors.New("broken pipe"))
	}

	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(f.mapPath(remotePath))
	if err != nil {
		return err
	}
	defer dst.Close()

	written, err := io.Copy(dst, src)
	if err != nil {
		return err
	}
	if f.tamperUpload {
		if _, err := dst.Write([]byte{0}); err != nil {
			return err
		}
	}
	if onProgress != nil {
		onProgress(written)
	}
	return nil
}

func (f *fakeTransport) Execute(ctx context.Context, command string) (string, int, error) {
	f.mu.Lock()
	f.execLog = append(f.execLog, command)
	f.mu.Unlock()

	unquote := func(arg string) string {
		arg = strings.TrimPrefix(arg, "'")
		arg = strings.TrimSuffix(arg, "'")
		return strings.ReplaceAll(arg, `'"'"'`, "'")
	}

	switch {
	case strings.HasPrefix(command, "test -d "):
		path := f.mapPath(unquote(strings.TrimPrefix(command, "test -d ")))
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return "", 0, nil
		}
		return "", 1, nil

	case strings.HasPrefix(command, "rm -rf "):
		if f.failRemoveDir {
			return "rm: cannot remove: Permission denied", 1, nil
		}
		path := f.mapPath(unquote(strings.TrimPrefix(command, "rm -rf ")))
		return "", 0, os.RemoveAll(path)

	case strings.HasPrefix(command, "mkdir -p "):
		path := f.mapPath(unquote(strings.TrimPrefix(command, "mkdir -p ")))
		return "", 0, os.MkdirAll(path, 0o755)

	case strings.HasPrefix(command, "rm -f "):
		path := f.mapPath(unquote(strings.TrimPrefix(command, "rm -f ")))
		_ = os.Remove(path)
		return "", 0, nil

	case strings.HasPrefix(command, "sha256sum "):
		remote := unquote(strings.TrimPrefix(command, "sha256sum "))
		digest, err := deploy.FileDigest(f.mapPath(remote), 0)
		if err != nil {
			return "sha256sum: No such file or directory", 1, nil
		}
		return fmt.Sprintf("%s  %s\n", digest, remote), 0, nil

	case strings.HasPrefix(command, "tar -xzf "), strings.HasPrefix(command, "unzip -o "):
		fields := strings.SplitN(strings.TrimSpace(command), " ", 5)
		require.Len(f.t, fields, 5)
		archive := f.mapPath(unquote(fields[2]))
		dest := f.mapPath(unquote(fields[4]))
		if err := deploy.Unpack(ctx, archive, dest); err != nil {
			return err.Error(), 1, nil
		}
		return "", 0, nil
	}

	f.t.Fatalf("fakeTransport: unexpected command: %s", command)
	return "", 1, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) executed(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.execLog {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func testJob(t *testing.T, localRoot string) deploy.SyncJob {
	t.Helper()
	return deploy.SyncJob{
		LocalRoot:  localRoot,
		RemoteRoot: "/srv/app",
		Connection: deploy.Connection{
			Host:     "deploy.test",
			Port:     22,
			Username: "deployer",
		},
		Options: deploy.Options{
			Format:         deploy.FormatTarGz,
			VerifyChecksum: true,
			RetryAttempts:  3,
			RetryDelay:     time.Millisecond,
		},
	}
}

func makeLocalTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets", "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>hello</html>\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "css", "site.css"), []byte("body { margin: 0 }\n"), 0o644))
	return dir
}

func newTestSync(t *testing.T, tr *fakeTransport, job deploy.SyncJob) *Sync {
	t.Helper()
	return NewSync(Config{
		Job: job,
		Connect: func(ctx context.Context) (transport.Transport, error) {
			return tr, nil
		},
	}, deploy.NewTestLogger(t))
}

func recordStates(s *Sync) *[]State {
	states := &[]State{}
	s.AddListener(StateChangedEvent, func(arguments ...interface{}) {
		*states = append(*states, arguments[0].(State))
	})
	return states
}

func TestSyncRunSuccess(t *testing.T) {
	localRoot := makeLocalTree(t)
	tr := newFakeTransport(t)
	s := newTestSync(t, tr, testJob(t, localRoot))
	states := recordStates(s)

	res := s.Run(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, StatusSuccess, res.Status)
	require.True(t, res.Verified)
	require.Greater(t, res.BytesTransferred, int64(0))

	require.Equal(t, []State{
		StatePacking,
		StateConnecting,
		StateUploading,
		StateVerifyingRemote,
		StateUnpacking,
		StateVerifyingExtracted,
		StateCleaningUp,
		StateDone,
	}, *states)

	// The unpacked remote tree matches the local one.
	for _, file := range []string{"index.html", filepath.Join("assets", "css", "site.css")} {
		want, err := os.ReadFile(filepath.Join(localRoot, file))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(tr.mapPath("/srv/app"), file))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// The remote archive was cleaned up and the session closed.
	require.True(t, tr.executed("rm -f "))
	require.Equal(t, 1, tr.closes)
}

func TestSyncRunRetriesUpload(t *testing.T) {
	tr := newFakeTransport(t)
	tr.failUploads = 2
	s := newTestSync(t, tr, testJob(t, makeLocalTree(t)))

	res := s.Run(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, 3, tr.uploads)
	// Each failed attempt dropped the session, plus the final cleanup close.
	require.Equal(t, 3, tr.closes)
}

func TestSyncRunUploadRetriesExhausted(t *testing.T) {
	tr := newFakeTransport(t)
	tr.failUploads = 10
	s := newTestSync(t, tr, testJob(t, makeLocalTree(t)))

	res := s.Run(context.Background())
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, StateUploading, res.FailedState)
	require.Equal(t, 3, tr.uploads)

	exhausted := &RetryExhaustedError{}
	require.ErrorAs(t, res.Err, &exhausted)
	require.Equal(t, "upload", exhausted.Op)
}

func TestSyncRunDeleteBeforeSync(t *testing.T) {
	tr := newFakeTransport(t)
	// Pre-existing remote state that must be cleared.
	stale := filepath.Join(tr.mapPath("/srv/app"), "stale.html")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	job := testJob(t, makeLocalTree(t))
	job.Options.DeleteBeforeSync = true
	s := newTestSync(t, tr, job)

	res := s.Run(context.Background())
	require.Equal(t, StatusSuccess, res.Status)
	require.True(t, tr.executed("rm -rf "))
	require.NoFileExists(t, stale)
	require.FileExists(t, filepath.Join(tr.mapPath("/srv/app"), "index.html"))
}

func TestSyncRunDeleteFailureIsFatal(t *testing.T) {
	tr := newFakeTransport(t)
	tr.failRemoveDir = true
	require.NoError(t, os.MkdirAll(tr.mapPath("/srv/app"), 0o755))

	job := testJob(t, makeLocalTree(t))
	job.Options.DeleteBeforeSync = true
	s := newTestSync(t, tr, job)

	res := s.Run(context.Background())
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, StateDeletingRemote, res.FailedState)
	require.Error(t, res.Err)
	// No upload is attempted when the remote could not be cleared.
	require.Zero(t, tr.uploads)
}

func TestSyncRunCorruptUploadNeverUnpacks(t *testing.T) {
	tr := newFakeTransport(t)
	tr.tamperUpload = true
	s := newTestSync(t, tr, testJob(t, makeLocalTree(t)))

	res := s.Run(context.Background())
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, StateVerifyingRemote, res.FailedState)
	require.True(t, deploy.IsKind(res.Err, deploy.KindIntegrity))
	require.False(t, tr.executed("tar -xzf "))
	// The corrupt archive is still removed from the remote.
	require.True(t, tr.executed("rm -f "))
}

func TestSyncRunVerifyDisabled(t *testing.T) {
	tr := newFakeTransport(t)
	job := testJob(t, makeLocalTree(t))
	job.Options.VerifyChecksum = false
	s := newTestSync(t, tr, job)
	states := recordStates(s)

	res := s.Run(context.Background())
	require.Equal(t, StatusSuccess, res.Status)
	require.False(t, res.Verified)
	require.False(t, tr.executed("sha256sum "))
	require.NotContains(t, *states, StateVerifyingRemote)
	require.NotContains(t, *states, StateVerifyingExtracted)
}

func TestSyncRunZipFormat(t *testing.T) {
	tr := newFakeTransport(t)
	job := testJob(t, makeLocalTree(t))
	job.Options.Format = deploy.FormatZip
	s := newTestSync(t, tr, job)

	res := s.Run(context.Background())
	require.Equal(t, StatusSuccess, res.Status)
	require.True(t, tr.executed("unzip -o "))
	require.FileExists(t, filepath.Join(tr.mapPath("/srv/app"), "index.html"))
}

func TestSyncRunConnectFailure(t *testing.T) {
	job := testJob(t, makeLocalTree(t))
	s := NewSync(Config{
		Job: job,
		Connect: func(ctx context.Context) (transport.Transport, error) {
			return nil, deploy.NewError(deploy.KindAuth, errors.New("no credentials"))
		},
	}, deploy.NewTestLogger(t))

	res := s.Run(context.Background())
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, StateConnecting, res.FailedState)
	require.True(t, deploy.IsKind(res.Err, deploy.KindAuth))
}

func TestSyncRunCancelled(t *testing.T) {
	tr := newFakeTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSync(Config{
		Job: testJob(t, makeLocalTree(t)),
		Connect: func(connectCtx context.Context) (transport.Transport, error) {
			cancel()
			return nil, deploy.NewError(deploy.KindConnection, errors.New("connection reset"))
		},
	}, deploy.NewTestLogger(t))
	states := recordStates(s)

	res := s.Run(ctx)
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Zero(t, tr.uploads)
	// Cleanup still ran.
	require.Contains(t, *states, StateCleaningUp)
	require.Equal(t, StateFailed, (*states)[len(*states)-1])
}

func TestSyncEmitsProgressEvents(t *testing.T) {
	tr := newFakeTransport(t)
	s := newTestSync(t, tr, testJob(t, makeLocalTree(t)))

	var progress []Progress
	s.AddListener(UploadProgressEvent, func(arguments ...interface{}) {
		progress = append(progress, arguments[0].(Progress))
	})

	res := s.Run(context.Background())
	require.Equal(t, StatusSuccess, res.Status)
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	require.Equal(t, last.TotalBytes, last.BytesSent)
}

func TestSyncStatusSnapshot(t *testing.T) {
	tr := newFakeTransport(t)
	s := newTestSync(t, tr, testJob(t, makeLocalTree(t)))

	require.Equal(t, StateIdle, s.Status().State)

	res := s.Run(context.Background())
	require.Equal(t, StatusSuccess, res.Status)

	snapshot := s.Status()
	require.Equal(t, StateDone, snapshot.State)
	require.Equal(t, snapshot.TotalBytes, snapshot.BytesSent)
	require.False(t, snapshot.StartedAt.IsZero())
}
