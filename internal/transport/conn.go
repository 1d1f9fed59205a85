// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package transport speaks raw NETLINK_ROUTE over an AF_NETLINK socket.
// It owns nlmsghdr framing, sequence-number matching, and the
// NLMSG_ERROR/NLMSG_DONE termination rules for a multi-message
// response; everything above this layer works in terms of (msgType,
// payload) pairs produced by package wire.
//
// A request Conn serializes one outstanding request at a time (driven
// externally, typically by package queue): Send writes a message and
// spawns a goroutine that reads responses until the matching
// NLMSG_DONE/NLMSG_ERROR arrives, then calls done. A monitor Conn is
// opened on multicast groups instead and has no notion of requests: its
// Listen loop hands every message it receives to Handler as it arrives.
package transport

import (
	"log/slog"
	"time"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	flerrors "grimm.is/flowroute/internal/errors"
)

var nativeEndian = nl.NativeEndian()

const nlmsghdrLen = 16

// Handler receives one decoded netlink message at a time. msgType and
// payload are handed straight to the matching package wire Decode*
// function by the caller.
type Handler interface {
	HandleMessage(msgType uint16, payload []byte)
}

// Conn is one AF_NETLINK/NETLINK_ROUTE socket.
type Conn struct {
	fd      int
	seq     uint32
	portID  uint32
	handler Handler
	log     *slog.Logger
}

// Open binds a socket. groups is the old-style multicast bitmask (0 for
// a request/response socket, or the OR of 1<<(RTNLGRP_x-1) bits for a
// monitor socket).
func Open(groups uint32, handler Handler, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindTransport, "open netlink socket")
	}

	const rcvbuf = 0x1000000 // 16 MiB, matching the daemon's dump-heavy workload
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil {
		unix.Close(fd)
		return nil, flerrors.Wrap(err, flerrors.KindTransport, "set SO_RCVBUF")
	}
	for _, opt := range []int{unix.NETLINK_EXT_ACK, unix.NETLINK_CAP_ACK} {
		_ = unix.SetsockoptInt(fd, unix.SOL_NETLINK, opt, 1)
	}

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groups}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, flerrors.Wrap(err, flerrors.KindTransport, "bind netlink socket")
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, flerrors.Wrap(err, flerrors.KindTransport, "getsockname")
	}
	portID := uint32(0)
	if nl, ok := bound.(*unix.SockaddrNetlink); ok {
		portID = nl.Pid
	}

	c := &Conn{
		fd:      fd,
		seq:     uint32(time.Now().Unix()) ^ portID,
		portID:  portID,
		handler: handler,
		log:     log,
	}
	return c, nil
}

func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// SetHandler attaches the Handler that will receive decoded messages,
// for callers that need to open a Conn before its Handler exists yet
// (the daemon is itself built from Conns it hands messages through).
func (c *Conn) SetHandler(handler Handler) {
	c.handler = handler
}

// Send writes one request and spawns a reader that hands every reply
// message to Handler until the request's multi-part response
// terminates, then calls done with nil on NLMSG_DONE/ACK or a
// KindProtocolNACK/KindTransport error otherwise.
func (c *Conn) Send(msgType, flags uint16, payload []byte, done func(err error)) {
	c.seq++
	seq := c.seq

	msg := make([]byte, nlmsghdrLen+len(payload))
	nativeEndian.PutUint32(msg[0:4], uint32(len(msg)))
	nativeEndian.PutUint16(msg[4:6], msgType)
	nativeEndian.PutUint16(msg[6:8], flags)
	nativeEndian.PutUint32(msg[8:12], seq)
	nativeEndian.PutUint32(msg[12:16], c.portID)
	copy(msg[nlmsghdrLen:], payload)

	if err := unix.Sendto(c.fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		done(flerrors.Wrap(err, flerrors.KindTransport, "sendto"))
		return
	}

	go c.drainResponse(seq, done)
}

func (c *Conn) drainResponse(seq uint32, done func(err error)) {
	buf := make([]byte, 1<<16)
	for {
		n, _, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			done(flerrors.Wrap(err, flerrors.KindTransport, "recvfrom"))
			return
		}
		stop, err := c.processBatch(buf[:n], seq)
		if stop {
			done(err)
			return
		}
	}
}

// processBatch walks every nlmsghdr in one recvfrom buffer. It returns
// stop=true once a terminating message (NLMSG_DONE or NLMSG_ERROR) for
// seq has been seen, along with the error that should be reported (nil
// on success).
func (c *Conn) processBatch(buf []byte, seq uint32) (stop bool, err error) {
	for len(buf) >= nlmsghdrLen {
		msgLen := nativeEndian.Uint32(buf[0:4])
		if msgLen < nlmsghdrLen || int(msgLen) > len(buf) {
			return true, flerrors.New(flerrors.KindParse, "netlink: truncated message")
		}
		msgType := nativeEndian.Uint16(buf[4:6])
		msgSeq := nativeEndian.Uint32(buf[8:12])
		payload := buf[nlmsghdrLen:msgLen]

		switch msgType {
		case unix.NLMSG_ERROR:
			errno := int32(nativeEndian.Uint32(payload[0:4]))
			if errno != 0 {
				return true, flerrors.Errorf(flerrors.KindProtocolNACK, "netlink nack: errno %d", -errno)
			}
			if msgSeq == seq {
				return true, nil
			}
		case unix.NLMSG_DONE:
			if msgSeq == seq {
				return true, nil
			}
		default:
			c.handler.HandleMessage(msgType, payload)
		}

		// nlmsghdr payloads are 4-byte aligned within the buffer.
		advance := int(msgLen+3) &^ 3
		if advance > len(buf) {
			advance = len(buf)
		}
		buf = buf[advance:]
	}
	return false, nil
}

// Listen runs a monitor socket's read loop forever, handing every
// message straight to Handler. It never terminates on its own; the
// caller cancels it by closing the Conn, which causes Recvfrom to
// return an error.
func (c *Conn) Listen() error {
	buf := make([]byte, 1<<16)
	for {
		n, _, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			return flerrors.Wrap(err, flerrors.KindTransport, "monitor recvfrom")
		}
		b := buf[:n]
		for len(b) >= nlmsghdrLen {
			msgLen := nativeEndian.Uint32(b[0:4])
			if msgLen < nlmsghdrLen || int(msgLen) > len(b) {
				c.log.Warn("monitor: truncated message", "len", msgLen)
				break
			}
			msgType := nativeEndian.Uint16(b[4:6])
			payload := b[nlmsghdrLen:msgLen]
			if msgType != unix.NLMSG_DONE && msgType != unix.NLMSG_ERROR {
				c.handler.HandleMessage(msgType, payload)
			}
			advance := int(msgLen+3) &^ 3
			if advance > len(b) {
				advance = len(b)
			}
			b = b[advance:]
		}
	}
}

// Group IDs from linux/rtnetlink.h, converted to the old-style bind
// bitmask (1 << (id-1)) the way mnl_socket_bind expects them.
const (
	RTNLGRP_LINK       = 1
	RTNLGRP_NEIGH      = 3
	RTNLGRP_IPV4_ROUTE = 7
	RTNLGRP_TC         = 4
	RTNLGRP_IPV6_ROUTE = 11
)

// MonitorGroups is the multicast bitmask the daemon's monitor connection
// subscribes to: link, neighbor, tc, and both IP family route tables.
func MonitorGroups() uint32 {
	groups := []uint{RTNLGRP_LINK, RTNLGRP_NEIGH, RTNLGRP_TC, RTNLGRP_IPV4_ROUTE, RTNLGRP_IPV6_ROUTE}
	var mask uint32
	for _, g := range groups {
		mask |= 1 << (g - 1)
	}
	return mask
}
