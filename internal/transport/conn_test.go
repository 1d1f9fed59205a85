// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	flerrors "grimm.is/flowroute/internal/errors"
)

type recordingHandler struct {
	msgTypes []uint16
	payloads [][]byte
}

func (h *recordingHandler) HandleMessage(msgType uint16, payload []byte) {
	h.msgTypes = append(h.msgTypes, msgType)
	cp := make([]byte, len(payload))
	copy(cp, payload)
	h.payloads = append(h.payloads, cp)
}

// buildMsg constructs one nlmsghdr-framed message with native-endian
// fields, matching what Conn.Send/processBatch expect to parse.
func buildMsg(msgType uint16, seq uint32, payload []byte) []byte {
	buf := make([]byte, nlmsghdrLen+len(payload))
	nativeEndian.PutUint32(buf[0:4], uint32(len(buf)))
	nativeEndian.PutUint16(buf[4:6], msgType)
	nativeEndian.PutUint16(buf[6:8], 0)
	nativeEndian.PutUint32(buf[8:12], seq)
	nativeEndian.PutUint32(buf[12:16], 0)
	copy(buf[nlmsghdrLen:], payload)
	return buf
}

func buildErrorMsg(seq uint32, errno int32) []byte {
	payload := make([]byte, 4)
	nativeEndian.PutUint32(payload, uint32(errno))
	return buildMsg(unix.NLMSG_ERROR, seq, payload)
}

func buildDoneMsg(seq uint32) []byte {
	return buildMsg(unix.NLMSG_DONE, seq, nil)
}

func TestProcessBatch_HandsNonTerminalMessagesToHandler(t *testing.T) {
	h := &recordingHandler{}
	c := &Conn{handler: h}

	link := buildMsg(unix.RTM_NEWLINK, 7, []byte{1, 2, 3, 4})
	done := buildDoneMsg(7)
	buf := append(append([]byte{}, link...), done...)

	stop, err := c.processBatch(buf, 7)
	require.True(t, stop)
	assert.NoError(t, err)
	require.Len(t, h.msgTypes, 1)
	assert.Equal(t, uint16(unix.RTM_NEWLINK), h.msgTypes[0])
	assert.Equal(t, []byte{1, 2, 3, 4}, h.payloads[0])
}

func TestProcessBatch_AckWithZeroErrnoStopsCleanly(t *testing.T) {
	h := &recordingHandler{}
	c := &Conn{handler: h}

	ack := buildErrorMsg(5, 0)
	stop, err := c.processBatch(ack, 5)
	require.True(t, stop)
	assert.NoError(t, err)
}

func TestProcessBatch_NackReturnsProtocolError(t *testing.T) {
	h := &recordingHandler{}
	c := &Conn{handler: h}

	nack := buildErrorMsg(5, -1 /* EPERM-ish negative errno */)
	stop, err := c.processBatch(nack, 5)
	require.True(t, stop)
	require.Error(t, err)
	assert.Equal(t, flerrors.KindProtocolNACK, flerrors.GetKind(err))
}

func TestProcessBatch_DoneForDifferentSeqKeepsGoing(t *testing.T) {
	h := &recordingHandler{}
	c := &Conn{handler: h}

	// A DONE for an older in-flight sequence shouldn't terminate this one.
	otherDone := buildDoneMsg(1)
	mine := buildDoneMsg(9)
	buf := append(append([]byte{}, otherDone...), mine...)

	stop, err := c.processBatch(buf, 9)
	assert.True(t, stop)
	assert.NoError(t, err)
}

func TestProcessBatch_TruncatedMessageIsParseError(t *testing.T) {
	h := &recordingHandler{}
	c := &Conn{handler: h}

	// A full header claiming a msgLen longer than the buffer actually
	// holds: enough to enter the loop, not enough to satisfy the claim.
	buf := make([]byte, nlmsghdrLen)
	nativeEndian.PutUint32(buf[0:4], nlmsghdrLen+100)

	stop, err := c.processBatch(buf, 1)
	require.True(t, stop)
	require.Error(t, err)
	assert.Equal(t, flerrors.KindParse, flerrors.GetKind(err))
}

func TestProcessBatch_EmptyBufferIsNotAnError(t *testing.T) {
	h := &recordingHandler{}
	c := &Conn{handler: h}

	stop, err := c.processBatch(nil, 1)
	assert.False(t, stop)
	assert.NoError(t, err)
}

func TestMonitorGroups_CombinesExpectedBits(t *testing.T) {
	mask := MonitorGroups()
	for _, grp := range []uint{RTNLGRP_LINK, RTNLGRP_NEIGH, RTNLGRP_TC, RTNLGRP_IPV4_ROUTE, RTNLGRP_IPV6_ROUTE} {
		assert.NotZero(t, mask&(1<<(grp-1)), "expected group bit %d set", grp)
	}
}

func TestConn_SetHandlerAttachesLateBoundHandler(t *testing.T) {
	c := &Conn{}
	h := &recordingHandler{}
	c.SetHandler(h)
	assert.Same(t, Handler(h), c.handler)
}
