package cluster

import "errors"

// Cluster adapter errors.
var (
	// ErrClosed indicates an operation on a closed node.
	ErrClosed = errors.New("cluster: node closed")

	// ErrNamespaceTaken indicates the namespace already has an adapter
	// on this node.
	ErrNamespaceTaken = errors.New("cluster: namespace already registered")
)
