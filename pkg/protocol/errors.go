package protocol

import "errors"

// ErrMalformed is returned when an envelope or one of its payloads cannot be
// decoded. It is never retried.
var ErrMalformed = errors.New("malformed payload")
