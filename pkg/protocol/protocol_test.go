package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
)

func TestTagsRoundTrip(t *testing.T) {
	for _, mt := range Types() {
		assert.Equal(t, mt, ParseType(mt.String()), "tag %q", mt.String())
	}
	assert.Equal(t, TypeUnknown, ParseType("GOSSIP"))
	assert.Equal(t, TypeUnknown, ParseType("auction"))
	assert.Equal(t, "MESSAGE CREATED", TypeNewMessage.String())
}

func TestFrameEncodeParse(t *testing.T) {
	bid := BidValue{NodeID: "node-b", MessageID: uuid.New(), Load: 3, Random: 42}
	f, err := NewFrame(TypeBid, bid)
	require.NoError(t, err)

	line, err := f.Encode()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(line), "BID {"))
	assert.True(t, strings.HasSuffix(string(line), "}\n"))
	assert.Equal(t, 1, strings.Count(string(line), "\n"))

	parsed, err := ParseFrame(line)
	require.NoError(t, err)
	assert.Equal(t, TypeBid, parsed.Type)

	var got BidValue
	require.NoError(t, parsed.Decode(&got))
	assert.Equal(t, bid, got)
}

func TestFrameWithoutPayload(t *testing.T) {
	f, err := NewFrame(TypeHeartBeat, nil)
	require.NoError(t, err)
	line, err := f.Encode()
	require.NoError(t, err)
	assert.Equal(t, "HEART BEAT\n", string(line))

	parsed, err := ParseFrame([]byte("HEART BEAT\r\n"))
	require.NoError(t, err)
	assert.Equal(t, TypeHeartBeat, parsed.Type)
	assert.Error(t, parsed.Decode(&struct{}{}))
}

func TestMultiWordTagWithPayload(t *testing.T) {
	msg := message.New([]byte("line1\nline2 {"), "http://example.com", "")
	f, err := NewFrame(TypeNewMessage, msg)
	require.NoError(t, err)
	line, err := f.Encode()
	require.NoError(t, err)

	parsed, err := ParseFrame(line)
	require.NoError(t, err)
	assert.Equal(t, TypeNewMessage, parsed.Type)

	var got message.Message
	require.NoError(t, parsed.Decode(&got))
	assert.True(t, got.Equal(msg))
}

func TestParseFrameErrors(t *testing.T) {
	f, err := ParseFrame([]byte("GOSSIP {\"x\":1}"))
	assert.True(t, errors.Is(err, ErrUnknownType))
	assert.Equal(t, TypeUnknown, f.Type)
	assert.True(t, IsProtocolError(err))

	_, err = ParseFrame([]byte("   "))
	assert.True(t, errors.Is(err, ErrMalformedFrame))

	_, err = ParseFrame([]byte("BID {not json"))
	assert.True(t, errors.Is(err, ErrMalformedFrame))

	_, err = Frame{Type: TypeUnknown}.Encode()
	assert.Error(t, err)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from   State
		in     MessageType
		to     State
		action Action
	}{
		{StateStart, TypeStart, StateGeneral, ActionEstablish},
		{StateGeneral, TypeNewNode, StateNewNode, ActionBeginAdmission},
		{StateNewNode, TypeNewNodeConfirmed, StateNewNode, ActionAdmissionConfirmed},
		{StateNewNode, TypeNewNodeOver, StateGeneral, ActionAdmit},
		{StateGeneral, TypeAuction, StateAuction, ActionBid},
		{StateAuction, TypeBid, StateAuction, ActionRecordBid},
		{StateAuction, TypeAuctionOver, StateGeneral, ActionAuctionOver},
		{StateGeneral, TypeMessage, StateMessage, ActionApplyMessage},
		{StateGeneral, TypeGetMessage, StateGeneral, ActionAnswerGet},
		{StateGeneral, TypeHeartBeat, StateGeneral, ActionHeartbeat},
		{StateGeneral, TypeDeadNode, StateGeneral, ActionDeadNode},
		{StateGeneral, TypeError, StateGeneral, ActionPeerError},
		{StateAuction, TypeTimeout, StateGeneral, ActionPeerError},
		{StateStart, TypeError, StateClosed, ActionPeerError},
		{StateGeneral, TypeUnknown, StateGeneral, ActionReject},
		{StateAuction, TypeUnknown, StateAuction, ActionReject},
	}
	for _, tc := range cases {
		got := Next(tc.from, tc.in)
		assert.Equal(t, Transition{tc.to, tc.action}, got, "%s + %s", tc.from, tc.in)
	}
}

func TestOverlappingAuctionRows(t *testing.T) {
	assert.Equal(t, Transition{StateAuction, ActionBid}, Next(StateAuction, TypeAuction))
	assert.Equal(t, Transition{StateGeneral, ActionRecordBid}, Next(StateGeneral, TypeBid))
	assert.Equal(t, Transition{StateGeneral, ActionAuctionOver}, Next(StateGeneral, TypeAuctionOver))
	assert.Equal(t, Transition{StateAuction, ActionHeartbeat}, Next(StateAuction, TypeHeartBeat))
	assert.Equal(t, Transition{StateNewNode, ActionStoreCandidate}, Next(StateNewNode, TypeNewMessage))
}

func TestRejectedCombinations(t *testing.T) {
	for _, mt := range []MessageType{TypeNewNode, TypeAuction, TypeMessage, TypeHeartBeat, TypeBid} {
		assert.Equal(t, ActionReject, Next(StateStart, mt).Action, "START + %s", mt)
		assert.Equal(t, StateStart, Next(StateStart, mt).To)
	}
	assert.Equal(t, ActionReject, Next(StateGeneral, TypeStart).Action)
	assert.Equal(t, ActionReject, Next(StateGeneral, TypeNewNodeOver).Action)
	assert.Equal(t, ActionReject, Next(StateGeneral, TypeNewNodeConfirmed).Action)
	assert.Equal(t, Transition{StateClosed, ActionNone}, Next(StateClosed, TypeHeartBeat))
}

func TestHeartbeatKeepsGeneral(t *testing.T) {
	tr := Next(StateGeneral, TypeHeartBeat)
	assert.Equal(t, StateGeneral, tr.To)
	assert.Equal(t, ActionHeartbeat, tr.Action)
}

func TestAppliedAndOutbound(t *testing.T) {
	assert.Equal(t, StateGeneral, Applied(StateMessage))
	assert.Equal(t, StateAuction, Applied(StateAuction))

	assert.Equal(t, StateNewNode, NextOutbound(StateGeneral, TypeNewNode))
	assert.Equal(t, StateAuction, NextOutbound(StateGeneral, TypeAuction))
	assert.Equal(t, StateGeneral, NextOutbound(StateAuction, TypeAuctionOver))
	assert.Equal(t, StateAuction, NextOutbound(StateAuction, TypeBid))
	assert.Equal(t, StateStart, NextOutbound(StateStart, TypeStart))
	assert.Equal(t, StateClosed, NextOutbound(StateClosed, TypeAuction))
}
