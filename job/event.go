package job

import eventemitter "github.com/vansante/go-event-emitter"

const (
	StateChangedEvent   eventemitter.EventType = "state-changed"
	PackedArchiveEvent  eventemitter.EventType = "packed-archive"
	ConnectedEvent      eventemitter.EventType = "connected"
	DeletedRemoteEvent  eventemitter.EventType = "deleted-remote"
	UploadProgressEvent eventemitter.EventType = "upload-progress"
	UploadedEvent       eventemitter.EventType = "uploaded-archive"
	VerifiedEvent       eventemitter.EventType = "verified-archive"
	UnpackedEvent       eventemitter.EventType = "unpacked-archive"
	CompletedEvent      eventemitter.EventType = "sync-completed"
)
