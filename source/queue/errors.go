package queue

import "errors"

var (
	// ErrIO wraps every failure that comes from talking to the broker.
	ErrIO = errors.New("queue: i/o failure")
	// ErrNoElement is returned by the current-record accessors before the
	// first successful Advance.
	ErrNoElement = errors.New("queue: no current element")
	// ErrReaderClosed is returned by Start and Advance after Close.
	ErrReaderClosed = errors.New("queue: reader closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("queue: reader already started")
	// ErrNotStarted is returned by Advance before Start.
	ErrNotStarted = errors.New("queue: reader not started")
)
