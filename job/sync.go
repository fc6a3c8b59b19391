// Package job drives a single deployment sync from packing the local tree
// to materializing it on the remote host, as an explicit state machine with
// retry-wrapped transport operations and observable progress events.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	eventemitter "github.com/vansante/go-event-emitter"

	deploy "github.com/rs-cuongph/my-deploy-tool"
	"github.com/rs-cuongph/my-deploy-tool/transport"
)

const cleanupTimeout = time.Minute

// State identifies a step of the sync state machine.
type State string

const (
	StateIdle               State = "idle"
	StatePacking            State = "packing"
	StateConnecting         State = "connecting"
	StateDeletingRemote     State = "deleting-remote"
	StateUploading          State = "uploading"
	StateVerifyingRemote    State = "verifying-remote"
	StateUnpacking          State = "unpacking"
	StateVerifyingExtracted State = "verifying-extracted"
	StateCleaningUp         State = "cleaning-up"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Status is the terminal outcome of a sync.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result is the terminal outcome of one sync run.
type Result struct {
	Status           Status
	FailedState      State
	Err              error
	BytesTransferred int64
	Duration         time.Duration
	// Verified is true when the remote archive digest was checked against
	// the local one.
	Verified bool
}

// Progress is a read-only snapshot of upload progress, one per sent chunk.
type Progress struct {
	BytesSent  int64
	TotalBytes int64
	Elapsed    time.Duration
}

// ConnectFunc establishes the transport session. It exists so tests can
// substitute a scripted transport.
type ConnectFunc func(ctx context.Context) (transport.Transport, error)

// Config configures a Sync.
type Config struct {
	Job deploy.SyncJob
	// Connect overrides how the transport session is established. When nil
	// an SSH session is dialed from the job's connection descriptor.
	Connect ConnectFunc
}

// NewSync creates a sync run for the given job. Events are emitted
// synchronously; attach listeners before calling Run.
func NewSync(conf Config, logger *slog.Logger) *Sync {
	s := &Sync{
		Emitter: *eventemitter.NewEmitter(false),
		job:     conf.Job,
		connect: conf.Connect,
		logger:  logger,
		state:   StateIdle,
	}
	if s.connect == nil {
		s.connect = func(ctx context.Context) (transport.Transport, error) {
			return transport.Connect(ctx, transport.Config{
				Connection:          s.job.Connection,
				ChunkSize:           s.job.Options.ChunkSize,
				SpeedBytesPerSecond: s.job.Options.BandwidthLimit,
			}, logger)
		}
	}
	return s
}

// Sync runs a single deployment job. A Sync must not be reused for a second
// run; allocate a new one per job so no two runs share a session or a
// temporary archive path.
type Sync struct {
	eventemitter.Emitter

	job     deploy.SyncJob
	connect ConnectFunc
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	bytesSent  int64
	totalBytes int64
	startedAt  time.Time
}

// StatusSnapshot is a point-in-time view of a running sync.
type StatusSnapshot struct {
	State      State     `json:"state"`
	BytesSent  int64     `json:"bytes_sent"`
	TotalBytes int64     `json:"total_bytes"`
	StartedAt  time.Time `json:"started_at"`
}

// Status returns a snapshot of the current state and transfer progress.
func (s *Sync) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusSnapshot{
		State:      s.state,
		BytesSent:  s.bytesSent,
		TotalBytes: s.totalBytes,
		StartedAt:  s.startedAt,
	}
}

// Run drives the job to completion: pack, connect, optional remote delete,
// upload, verify, unpack, cleanup. It blocks until the job is done or has
// failed; cancelling ctx abandons the job between operations and still runs
// the cleanup step.
func (s *Sync) Run(ctx context.Context) Result {
	start := time.Now()
	s.mu.Lock()
	s.startedAt = start
	s.mu.Unlock()

	s.logger.Info("job.Sync.Run: Starting sync",
		"localRoot", s.job.LocalRoot,
		"remoteRoot", s.job.RemoteRoot,
		"host", s.job.Connection.Host,
	)

	res := Result{Status: StatusFailed}
	s.execute(ctx, &res)

	res.Duration = time.Since(start)
	s.mu.Lock()
	res.BytesTransferred = s.bytesSent
	s.mu.Unlock()

	if res.Status == StatusSuccess {
		s.logger.Info("job.Sync.Run: Sync completed",
			"bytes", res.BytesTransferred,
			"duration", res.Duration,
			"verified", res.Verified,
		)
	} else {
		s.logger.Error("job.Sync.Run: Sync failed",
			"stage", res.FailedState,
			"error", res.Err,
		)
	}
	s.EmitEvent(CompletedEvent, res)
	return res
}

func (s *Sync) fail(res *Result, state State, err error) {
	res.Status = StatusFailed
	res.FailedState = state
	res.Err = err
}

func (s *Sync) execute(ctx context.Context, res *Result) {
	opts := s.job.Options

	tempDir, err := os.MkdirTemp("", "deploy-sync-")
	if err != nil {
		s.fail(res, StatePacking, deploy.NewError(deploy.KindPack, fmt.Errorf("error creating temp dir: %w", err)))
		return
	}

	var (
		tr            transport.Transport
		remoteArchive string
	)

	// Cleanup runs on every exit path, including cancellation and failure.
	defer func() {
		s.enterState(StateCleaningUp)
		if err := os.RemoveAll(tempDir); err != nil {
			s.logger.Error("job.Sync.execute: Error removing temp dir", "tempDir", tempDir, "error", err)
		}
		if tr != nil {
			if remoteArchive != "" {
				cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
				out, code, err := tr.Execute(cleanupCtx, removeFileCommand(remoteArchive))
				cancel()
				if err != nil || code != 0 {
					s.logger.Error("job.Sync.execute: Error removing remote archive",
						"remoteArchive", remoteArchive,
						"exitCode", code,
						"output", strings.TrimSpace(out),
						"error", err,
					)
				}
			}
			if err := tr.Close(); err != nil {
				s.logger.Error("job.Sync.execute: Error closing transport", "error", err)
			}
		}
		if res.Status == StatusSuccess {
			s.enterState(StateDone)
		} else {
			s.enterState(StateFailed)
		}
	}()

	// Packing
	s.enterState(StatePacking)
	archive, err := deploy.Pack(ctx, s.job.LocalRoot, tempDir, opts.Format)
	if err != nil {
		s.fail(res, StatePacking, err)
		return
	}
	s.mu.Lock()
	s.totalBytes = archive.Size
	s.mu.Unlock()

	if opts.VerifyChecksum {
		archive.Digest, err = deploy.FileDigest(archive.Path, 0)
		if err != nil {
			s.fail(res, StatePacking, err)
			return
		}
	}
	s.logger.Info("job.Sync.execute: Packed archive",
		"path", archive.Path,
		"format", archive.Format,
		"size", archive.Size,
	)
	s.EmitEvent(PackedArchiveEvent, archive.Path, archive.Size)

	// Connecting
	s.enterState(StateConnecting)
	err = Retry(ctx, s.logger, "connect", opts.RetryAttempts, opts.RetryDelay, func(ctx context.Context) error {
		var connErr error
		tr, connErr = s.connect(ctx)
		return connErr
	})
	if err != nil {
		s.fail(res, StateConnecting, err)
		return
	}
	s.EmitEvent(ConnectedEvent, s.job.Connection.Address())

	// DeletingRemote: refuse to upload onto a remote state we could not clear.
	if opts.DeleteBeforeSync {
		s.enterState(StateDeletingRemote)
		if err := s.deleteRemote(ctx, tr); err != nil {
			s.fail(res, StateDeletingRemote, err)
			return
		}
		s.EmitEvent(DeletedRemoteEvent, s.job.RemoteRoot)
	}

	// Uploading
	s.enterState(StateUploading)
	out, code, err := tr.Execute(ctx, makeDirCommand(s.job.RemoteRoot))
	if err != nil {
		s.fail(res, StateUploading, err)
		return
	}
	if code != 0 {
		s.fail(res, StateUploading, fmt.Errorf("creating remote directory %s exited with status %d: %s",
			s.job.RemoteRoot, code, strings.TrimSpace(out)))
		return
	}

	remoteArchive = remoteArchivePath(s.job.RemoteRoot, archive.Format)
	err = Retry(ctx, s.logger, "upload", opts.RetryAttempts, opts.RetryDelay, func(ctx context.Context) error {
		// Re-establish the session when a previous attempt dropped it,
		// the archive itself is never re-packed.
		if tr == nil {
			var connErr error
			tr, connErr = s.connect(ctx)
			if connErr != nil {
				return connErr
			}
		}

		s.mu.Lock()
		s.bytesSent = 0
		s.mu.Unlock()

		uploadErr := tr.Upload(ctx, archive.Path, remoteArchive, func(bytesSent int64) {
			s.mu.Lock()
			s.bytesSent = bytesSent
			s.mu.Unlock()
			s.EmitEvent(UploadProgressEvent, Progress{
				BytesSent:  bytesSent,
				TotalBytes: archive.Size,
				Elapsed:    time.Since(s.startedAt),
			})
		})
		if uploadErr != nil && deploy.Transient(uploadErr) {
			_ = tr.Close()
			tr = nil
		}
		return uploadErr
	})
	if err != nil {
		s.fail(res, StateUploading, err)
		return
	}
	s.EmitEvent(UploadedEvent, remoteArchive, archive.Size)

	// VerifyingRemote: never unpack a possibly corrupt artifact.
	if opts.VerifyChecksum {
		s.enterState(StateVerifyingRemote)
		remoteDigest, err := s.remoteDigest(ctx, tr, remoteArchive)
		if err != nil {
			s.fail(res, StateVerifyingRemote, err)
			return
		}
		if !archive.Digest.Equal(remoteDigest) {
			s.fail(res, StateVerifyingRemote, &deploy.Error{
				Kind: deploy.KindIntegrity,
				Err:  fmt.Errorf("uploaded archive digest mismatch: local %s, remote %s", archive.Digest, remoteDigest),
			})
			return
		}
		res.Verified = true
		s.EmitEvent(VerifiedEvent, remoteDigest)
	}

	// Unpacking
	s.enterState(StateUnpacking)
	out, code, err = tr.Execute(ctx, unpackCommand(archive.Format, remoteArchive, s.job.RemoteRoot))
	if err != nil {
		s.fail(res, StateUnpacking, err)
		return
	}
	if code != 0 {
		s.fail(res, StateUnpacking, &deploy.Error{
			Kind:   deploy.KindUnpack,
			Err:    fmt.Errorf("remote unpack exited with status %d", code),
			Detail: strings.TrimSpace(out),
		})
		return
	}
	s.EmitEvent(UnpackedEvent, s.job.RemoteRoot)

	// VerifyingExtracted: best-effort re-check that the archive file on the
	// remote disk is still intact after extraction. Extracted-content
	// verification is left to the deployed application's own checks.
	if opts.VerifyChecksum {
		s.enterState(StateVerifyingExtracted)
		remoteDigest, err := s.remoteDigest(ctx, tr, remoteArchive)
		switch {
		case err != nil:
			s.logger.Warn("job.Sync.execute: Could not re-verify remote archive after unpack", "error", err)
		case !archive.Digest.Equal(remoteDigest):
			s.fail(res, StateVerifyingExtracted, &deploy.Error{
				Kind: deploy.KindIntegrity,
				Err:  fmt.Errorf("remote archive changed during unpack: local %s, remote %s", archive.Digest, remoteDigest),
			})
			return
		}
	}

	res.Status = StatusSuccess
}

// deleteRemote removes the remote root if it exists. A removal failure is
// fatal for the job.
func (s *Sync) deleteRemote(ctx context.Context, tr transport.Transport) error {
	_, code, err := tr.Execute(ctx, testDirCommand(s.job.RemoteRoot))
	if err != nil {
		return err
	}
	if code != 0 {
		s.logger.Info("job.Sync.deleteRemote: Remote folder does not exist", "remoteRoot", s.job.RemoteRoot)
		return nil
	}

	s.logger.Info("job.Sync.deleteRemote: Deleting remote folder", "remoteRoot", s.job.RemoteRoot)
	out, code, err := tr.Execute(ctx, removeDirCommand(s.job.RemoteRoot))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("removing remote folder %s exited with status %d: %s",
			s.job.RemoteRoot, code, strings.TrimSpace(out))
	}
	return nil
}

func (s *Sync) remoteDigest(ctx context.Context, tr transport.Transport, remotePath string) (deploy.Digest, error) {
	out, code, err := tr.Execute(ctx, digestCommand(remotePath))
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &deploy.Error{
			Kind:   deploy.KindDigest,
			Err:    fmt.Errorf("remote digest command exited with status %d", code),
			Detail: strings.TrimSpace(out),
		}
	}
	return deploy.ParseDigestOutput(out)
}

func (s *Sync) enterState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("job.Sync.enterState: Entering state", "state", state)
	s.EmitEvent(StateChangedEvent, state)
}

// remoteArchivePath returns a uniquely named temporary archive path below
// the remote root, so concurrent jobs against one host never collide.
func remoteArchivePath(remoteRoot string, format deploy.ArchiveFormat) string {
	name := fmt.Sprintf(".deploy-%d%s", time.Now().UnixNano(), format.Extension())
	return path.Join(remoteRoot, name)
}
