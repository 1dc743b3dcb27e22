// Package protocol defines the request/response envelopes exchanged with the
// registry and their MessagePack encoding.
//
// Every exchange is one request envelope answered by exactly one response
// envelope:
//
//	request:  {service: "rank", data: {user: "server-a", clock: 4}}
//	response: {service: "rank", data: {rank: 1, timestamp: 1700000000000, clock: 5}}
//
// Registry-level failures are still well-formed responses carrying
// status "error" and a description.
package protocol
