package domain

import "errors"

var (
	ErrInvalidBucket = errors.New("invalid_bucket")
	ErrInvalidWindow = errors.New("invalid_window")
)
