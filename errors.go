// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package datashare

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Code is an error code exchanged between peers in the Err field of a reply,
// and reported by local operations. The zero value OK denotes success; every
// other value satisfies the error interface, so callers may compare with
// [errors.Is]:
//
//	if errors.Is(err, datashare.NotFound) { ... }
type Code byte

const (
	OK                 Code = 0
	ExistsAlready      Code = 1
	NotFound           Code = 2
	NotSupported       Code = 3
	NoPerm             Code = 4
	RevisionNotFound   Code = 5
	InvalidArgument    Code = 6
	ReadError          Code = 7
	BadDeserialization Code = 8
	TimeOut            Code = 9
	TargetOffline      Code = 10
	ConnectionError    Code = 11
	Canceled           Code = 12

	// Eof is a control signal meaning "no more data". It is not a failure.
	Eof Code = 13

	maxCode = Eof
)

var codeNames = [...]string{
	OK:                 "OK",
	ExistsAlready:      "exists already",
	NotFound:           "not found",
	NotSupported:       "not supported",
	NoPerm:             "permission denied",
	RevisionNotFound:   "revision not found",
	InvalidArgument:    "invalid argument",
	ReadError:          "read error",
	BadDeserialization: "bad deserialization",
	TimeOut:            "timed out",
	TargetOffline:      "target offline",
	ConnectionError:    "connection error",
	Canceled:           "canceled",
	Eof:                "end of data",
}

func (c Code) String() string {
	if c <= maxCode {
		return codeNames[c]
	}
	return fmt.Sprintf("code %d", byte(c))
}

// Error implements the error interface.
func (c Code) Error() string { return c.String() }

// Err returns c as an error, or nil if c == OK.
func (c Code) Err() error {
	if c == OK {
		return nil
	}
	return c
}

// CodeOf reports the Code corresponding to err. A nil error is OK, an error
// wrapping a Code reports that code, and io.EOF is Eof. Closed connections
// report ConnectionError; anything else is treated as a ReadError.
func CodeOf(err error) Code {
	var c Code
	switch {
	case err == nil:
		return OK
	case errors.As(err, &c):
		return c
	case errors.Is(err, io.EOF):
		return Eof
	case errors.Is(err, net.ErrClosed):
		return ConnectionError
	default:
		return ReadError
	}
}
