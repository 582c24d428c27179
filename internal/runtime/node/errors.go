package node

import "errors"

var (
	ErrStopped         = errors.New("node stopped")
	ErrRunning         = errors.New("node already running")
	ErrNoRoute         = errors.New("no route to node")
	ErrUnknownActor    = errors.New("unknown actor")
	ErrNameTaken       = errors.New("actor name already registered")
	ErrNoSender        = errors.New("message has no sender")
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrSelfConnection  = errors.New("connected to self")
	ErrIdleTimeout     = errors.New("connection idle")

	errSuperseded = errors.New("superseded by a crossed dial")
)
