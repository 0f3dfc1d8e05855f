package main

import "errors"

var (
	ErrUsage                = errors.New("usage")
	ErrInvalidArgs          = errors.New("arguments must be json")
	ErrNotJoined            = errors.New("session not established")
	ErrNotSubscribed        = errors.New("not subscribed to topic")
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")
)
