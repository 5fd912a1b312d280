package calibration

import "errors"

// ErrInvalidArgument is returned for malformed or out-of-range input.
// Only the offending write is rejected.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrInvalidState is returned when a panel context is missing or a table
// lookup falls outside the configured tables. The update is skipped and the
// logical state is left as requested.
var ErrInvalidState = errors.New("invalid state")

// ErrHardwareSink is returned when the hardware sink rejects a command
// buffer. Logical state is retained and the next reapply retries.
var ErrHardwareSink = errors.New("hardware sink failure")
