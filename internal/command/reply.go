package command

import "fmt"

// ErrorKind classifies a structured command error.
type ErrorKind string

const (
	// ErrArgument marks malformed, missing or conflicting command arguments.
	ErrArgument ErrorKind = "ERR"
	// ErrWrongType marks a command applied to a key holding an incompatible
	// value kind.
	ErrWrongType ErrorKind = "WRONGTYPE"
	// ErrRange marks an invalid database index or similar out-of-range value.
	ErrRange ErrorKind = "RANGE"
	// ErrPersistence marks a journal append failure in strict durability
	// mode: the in-memory mutation stands but is not yet durable.
	ErrPersistence ErrorKind = "NOPERSIST"
)

// Error is a structured command error: a kind plus a human-readable message,
// representable independent of any display format.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s", e.Kind, e.Message)
}

// Errorf builds an Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ReplyKind identifies which variant a Reply holds.
type ReplyKind uint8

const (
	// ReplyOK is the plain success acknowledgment.
	ReplyOK ReplyKind = iota
	// ReplyNil is the missing-value / guard-not-satisfied reply.
	ReplyNil
	// ReplyInt carries an integer payload.
	ReplyInt
	// ReplyStr carries a single string payload.
	ReplyStr
	// ReplyList carries an ordered list of strings.
	ReplyList
	// ReplyErr carries a structured error.
	ReplyErr
)

// Reply is the typed result of one command: exactly one success payload or
// one structured error. Every command yields exactly one Reply.
type Reply struct {
	Kind ReplyKind
	Int  int64
	Str  string
	List []string
	Err  *Error
}

// OK returns the plain success reply.
func OK() Reply { return Reply{Kind: ReplyOK} }

// Nil returns the nil reply.
func Nil() Reply { return Reply{Kind: ReplyNil} }

// Int returns an integer reply.
func Int(n int64) Reply { return Reply{Kind: ReplyInt, Int: n} }

// Str returns a string reply.
func Str(s string) Reply { return Reply{Kind: ReplyStr, Str: s} }

// List returns a list reply.
func List(items []string) Reply { return Reply{Kind: ReplyList, List: items} }

// Err wraps a structured error into a reply.
func Err(e *Error) Reply { return Reply{Kind: ReplyErr, Err: e} }

// IsError reports whether the reply carries an error.
func (r Reply) IsError() bool { return r.Kind == ReplyErr }
