package utils

import "errors"

// ErrorRecordNotFound is the storage-agnostic not-found value surfaced to
// handlers, so they never import gorm to classify an error.
var ErrorRecordNotFound = errors.New("record not found")
