package model

import "errors"

// Failure taxonomy. Resolver and forwarding errors wrap exactly one of these;
// the front door maps them to status codes.
var (
	// ErrInvalidTarget is caused by the caller: malformed or disallowed target.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrUpstreamUnreachable means no connection could be made to the upstream.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrUpstreamTimeout means the upstream did not answer within the deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamProtocol means the upstream answered with something that is not valid HTTP.
	ErrUpstreamProtocol = errors.New("upstream protocol error")
)
