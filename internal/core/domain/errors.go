package domain

import "errors"

var (
	ErrTransport           = errors.New("transport error")
	ErrNegotiationTimeout  = errors.New("negotiation timeout")
	ErrNegotiationRejected = errors.New("negotiation rejected")
	ErrRateLimited         = errors.New("direct attempts rate limited")
	ErrRelay               = errors.New("relay error")

	ErrLinkNotConnected = errors.New("link not connected")
	ErrLinkClosed       = errors.New("link closed")
	ErrChannelClosed    = errors.New("signaling channel closed")
	ErrNoActiveCall     = errors.New("no active call")
	ErrCallState        = errors.New("operation not valid in current call state")
	ErrMessageNotFound  = errors.New("message not found")
	ErrPeerOffline      = errors.New("peer offline")
)
