package dfs

import "fmt"

// ErrorCode names the failure kinds surfaced on the wire.
type ErrorCode string

const (
	CodeNotFound             ErrorCode = "not_found"
	CodeUnknownNode          ErrorCode = "unknown_node"
	CodeInsufficientCapacity ErrorCode = "insufficient_capacity"
	CodeUnrecoverableChunk   ErrorCode = "unrecoverable_chunk"
	CodeChunkMissing         ErrorCode = "chunk_missing"
	CodeNetworkError         ErrorCode = "network_error"
	CodeNotImplemented       ErrorCode = "not_implemented"
	CodeInternal             ErrorCode = "internal"
)

// Error is a failure that crosses the wire as {status, code, message}.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e Error) Error() string {
	return e.Msg
}

func Errorf(code ErrorCode, format string, args ...interface{}) Error {
	return Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the wire code of an error, Internal for plain errors.
func CodeOf(err error) ErrorCode {
	if e, ok := err.(Error); ok {
		return e.Code
	}
	return CodeInternal
}
