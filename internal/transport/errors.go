package transport

import "errors"

var (
	ErrManagerClosed = errors.New("transport manager closed")
	ErrNotConnected  = errors.New("not connected")
)
