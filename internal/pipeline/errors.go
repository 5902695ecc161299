package pipeline

// ValidationError is a client-side problem with the request: nothing was
// uploaded, or nothing in the batch could be transcoded.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

const (
	msgNoFiles       = "no files"
	msgNoneSucceeded = "no files succeeded"
)
