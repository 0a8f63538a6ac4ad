package caches

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of cache failed for reason : %s ", ve.Reason)
}

// Is lets callers match any ValidationError with errors.Is(err, ErrValidation).
func (ve ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var (
	ErrValidation    = errors.New("invalid cache configuration")
	ErrNoCacheItem   = errors.New("no value found in cache")
	ErrEntryTooLarge = errors.New("cache entry exceeds maximum size")
)
