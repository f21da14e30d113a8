package domain

import "strings"

const (
	pingPrefix = "ping"
	pongPrefix = "pong"
)

// PingReply implements the data channel keepalive: a text message starting
// with "ping" is answered with "pong" followed by everything after the prefix.
func PingReply(msg string) (string, bool) {
	if !strings.HasPrefix(msg, pingPrefix) {
		return "", false
	}
	return pongPrefix + msg[len(pingPrefix):], true
}
