package protocol

import "math"

// Service names the registry operation requested by an envelope.
type Service uint8

const (
	ServiceUnknown Service = iota
	ServiceRank
	ServiceList
	ServiceHeartbeat
)

const (
	NameRank      = "rank"
	NameList      = "list"
	NameHeartbeat = "heartbeat"
	// NameError is used as the service of a response when the request
	// could not be decoded far enough to echo its service.
	NameError = "error"

	StatusError = "error"
)

// MaxClock is the largest clock a request may carry. The registry merges it
// and still has to tick once more for the response.
const MaxClock int64 = math.MaxInt64 - 2

// ParseService maps a wire service name onto the closed set of operations.
// Anything unrecognized is ServiceUnknown.
func ParseService(name string) Service {
	switch name {
	case NameRank:
		return ServiceRank
	case NameList:
		return ServiceList
	case NameHeartbeat:
		return ServiceHeartbeat
	default:
		return ServiceUnknown
	}
}

func (s Service) String() string {
	switch s {
	case ServiceRank:
		return NameRank
	case ServiceList:
		return NameList
	case ServiceHeartbeat:
		return NameHeartbeat
	default:
		return "unknown"
	}
}

// Request is the inbound envelope.
type Request struct {
	Service string      `msgpack:"service"`
	Data    RequestData `msgpack:"data"`
}

// RequestData carries the operation arguments. Only user and clock are read
// on decode; every other key, timestamp included, is skipped.
type RequestData struct {
	User      string `msgpack:"user,omitempty"`
	Clock     *int64 `msgpack:"clock,omitempty"`
	Timestamp int64  `msgpack:"timestamp,omitempty"`
}

// Entry is one live member as reported by the list operation.
type Entry struct {
	Name string `msgpack:"name" json:"name"`
	Rank int64  `msgpack:"rank" json:"rank"`
}

// Response is the outbound envelope.
type Response struct {
	Service string       `msgpack:"service"`
	Data    ResponseData `msgpack:"data"`
}

// ResponseData holds the union of all response payload shapes. Which fields
// go on the wire depends on Kind, see EncodeMsgpack.
type ResponseData struct {
	Kind        Service `msgpack:"-"`
	Status      string  `msgpack:"status,omitempty"`
	Description string  `msgpack:"description,omitempty"`
	Rank        int64   `msgpack:"rank,omitempty"`
	List        []Entry `msgpack:"list,omitempty"`
	Timestamp   int64   `msgpack:"timestamp"`
	Clock       int64   `msgpack:"clock"`
}

// IsError reports whether the response is a registry-level error.
func (d ResponseData) IsError() bool {
	return d.Status == StatusError
}

// WithClock returns a copy of the request carrying clock.
func (r Request) WithClock(clock int64) Request {
	r.Data.Clock = &clock
	return r
}
