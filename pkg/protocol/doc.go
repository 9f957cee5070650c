// Package protocol defines the peer-to-peer wire vocabulary of a relay cluster.
//
// This package defines:
//   - MessageType: the tagged frame types exchanged between nodes
//   - State: the per-connection protocol states
//   - Frame: one line on the wire, a tag optionally followed by a JSON payload
//   - Next / NextOutbound: the connection state machine as a pure table
//
// Frames are newline terminated and human readable:
//
//	START {"nodeId":"node-a","address":"10.0.0.1:7000"}
//	AUCTION {"messageId":"6f1c...","auctioneer":"node-a"}
//	BID {"nodeId":"node-b","messageId":"6f1c...","load":3,"random":917234}
//	HEART BEAT
//
// A tag is everything before the first '{'. Tags that are not part of the
// vocabulary decode as TypeUnknown and are answered with ERROR by the
// connection handler.
//
// State transitions are keyed by (state, inbound type) and return both the
// next state and the Action the handler must perform:
//
//	START    + START              -> GENERAL   establish peer identity
//	GENERAL  + NEW NODE           -> NEW_NODE  begin admission
//	NEW_NODE + NEW NODE CONFIRMED -> NEW_NODE  peer acknowledged
//	NEW_NODE + NEW NODE OVER      -> GENERAL   admit node
//	GENERAL  + AUCTION            -> AUCTION   answer with a bid
//	AUCTION  + BID                -> AUCTION   record bid
//	AUCTION  + AUCTION OVER       -> GENERAL   winner announced
//	GENERAL  + MESSAGE            -> MESSAGE   apply payload, then GENERAL
//
// Because several auctions may overlap on one link, general traffic is also
// accepted while in NEW_NODE or AUCTION, and late BID or AUCTION OVER frames
// are accepted in GENERAL. Auction bookkeeping is keyed by message ID.
package protocol
