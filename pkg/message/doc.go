// Package message defines the unit of work relayed by the cluster.
//
// A Message is created when a client submits a payload and a delivery URL to
// any node. It is identified by a UUID, carries opaque contents, and records a
// delivery status that only moves forward:
//
//	pending -> delivered
//	pending -> failed
//
// Messages travel between nodes as JSON, both inside peer protocol frames and
// when written to an offline store.
//
// Example usage:
//
//	msg := message.New([]byte("hello"), "http://example.com/hook", "")
//	if err := msg.Validate(); err != nil {
//		return err
//	}
//	data, err := msg.Marshal()
package message
