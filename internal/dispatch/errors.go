package dispatch

// ComposeError marks a message-generation failure. It counts as a failed
// delivery attempt and is subject to the retry policy.
type ComposeError struct {
	Err error
}

func (e *ComposeError) Error() string { return "compose error: " + e.Err.Error() }
func (e *ComposeError) Unwrap() error { return e.Err }

// StoreError marks a persistence failure. The affected user's dispatch is
// retried on a later tick; other users in the same tick are unaffected.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store error during " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }
