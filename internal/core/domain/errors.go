package domain

import "errors"

var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrStreamAlreadyExists = errors.New("stream already has a publisher")
	ErrNoPublisher         = errors.New("stream has no publisher")
	ErrNoAvailableNode     = errors.New("no node available for cascade")
	ErrLayerNotFound       = errors.New("layer not found")
)
