package node

import "github.com/flowmesh/flowmesh/message"

type (
	// ErrorEvent is the payload published on EventNodeError when a node
	// body fails. Catch nodes receive a synthetic message built from it.
	ErrorEvent struct {
		Source message.NodeRef
		Err    error
		Msg    *message.Message
	}

	// StatusEvent is the payload published on EventNodeStatus on every
	// status write.
	StatusEvent struct {
		Source message.NodeRef
		Status Status
	}
)
