package ot

import "errors"

var (
	ErrMissingUser     = errors.New("edit missing user id")
	ErrMissingResource = errors.New("edit missing resource id")
)
