package registry

import "fmt"

// Kind classifies a request failure.
type Kind uint8

const (
	KindMalformedRequest Kind = iota + 1
	KindInvalidRequest
	KindUnknownService
	KindInternalFault
)

func (k Kind) String() string {
	switch k {
	case KindMalformedRequest:
		return "malformed request"
	case KindInvalidRequest:
		return "invalid request"
	case KindUnknownService:
		return "unknown service"
	case KindInternalFault:
		return "internal fault"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is a request failure. Description is what the caller sees in the
// error response.
type Error struct {
	Kind        Kind
	Description string
	Err         error
}

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrMalformedRequest = &Error{Kind: KindMalformedRequest, Description: "malformed request"}
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest, Description: "invalid request"}
	ErrUnknownService   = &Error{Kind: KindUnknownService, Description: "service not found"}
	ErrInternalFault    = &Error{Kind: KindInternalFault, Description: "internal server error"}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func invalidRequest(description string) *Error {
	return &Error{Kind: KindInvalidRequest, Description: description}
}

func malformedRequest(err error) *Error {
	return &Error{Kind: KindMalformedRequest, Description: ErrMalformedRequest.Description, Err: err}
}

func internalFault(err error) *Error {
	return &Error{Kind: KindInternalFault, Description: ErrInternalFault.Description, Err: err}
}
