package datastore

// UploadMode selects when AddRecord returns.
type UploadMode int

const (
	// UploadAsynchronous returns once the record is staged locally.
	UploadAsynchronous UploadMode = iota
	// UploadSynchronous returns once the backend has confirmed the write.
	UploadSynchronous
)

func (m UploadMode) String() string {
	if m == UploadSynchronous {
		return "sync"
	}
	return "async"
}

type addOptions struct {
	mode UploadMode
}

// AddOption configures a single AddRecord call.
type AddOption func(*addOptions)

// WithUpload sets the upload mode. The default is UploadAsynchronous.
func WithUpload(mode UploadMode) AddOption {
	return func(o *addOptions) {
		o.mode = mode
	}
}
