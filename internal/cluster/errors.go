package cluster

import "errors"

var (
	// ErrTimeout is returned when a peer did not answer within its bound
	ErrTimeout = errors.New("peer timed out")
	// ErrNodeUnreachable is returned when the link to a peer failed
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrNodeClosed is returned when the link closed while waiting on it
	ErrNodeClosed = errors.New("node connection closed")
	// ErrNoWinner is returned when an auction could not pick a winner
	ErrNoWinner = errors.New("auction produced no winner")
	// ErrClosed is returned after the coordinator is closed
	ErrClosed = errors.New("coordinator is closed")
	// ErrNotFound is returned by FetchMessage when no node holds the message
	ErrNotFound = errors.New("message not found in cluster")
)
