//go:build linux

// Package netlink holds the low-level rtnetlink plumbing shared by the
// interface, routing, and policy-rule code: message framing constants, the
// request/ACK round trip, and attribute alignment. Message construction
// stays with the callers; the format is:
//
//	nlmsghdr | payload (ifaddrmsg/ifinfomsg/rtmsg) | attributes (rtattr...)
//
// Building messages by hand avoids pulling in a netlink library. All
// mutating operations require CAP_NET_ADMIN.
package netlink

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	HdrLen       = 16 // sizeof(nlmsghdr)
	IfAddrmsgLen = 8  // sizeof(ifaddrmsg)
	IfInfomsgLen = 16 // sizeof(ifinfomsg)
	RtMsgLen     = 12 // sizeof(rtmsg)
	RtAttrLen    = 4  // sizeof(rtattr)
)

// PutHeader writes an nlmsghdr covering the whole buffer into its first 16
// bytes.
func PutHeader(buf []byte, msgType uint16, flags uint16) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], 1)  // nlmsg_seq
	binary.LittleEndian.PutUint32(buf[12:16], 0) // nlmsg_pid
}

// PutAttr writes one rtattr at the given offset and returns the offset of
// the next attribute, aligned.
func PutAttr(buf []byte, off int, attrType uint16, value []byte) int {
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(RtAttrLen+len(value)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], attrType)
	copy(buf[off+RtAttrLen:], value)
	return off + AlignLen(RtAttrLen+len(value))
}

// AttrSpace returns the aligned space one rtattr with a value of the given
// length occupies.
func AttrSpace(valueLen int) int {
	return AlignLen(RtAttrLen + valueLen)
}

// AlignLen rounds a length up to the nearest 4-byte boundary (RTA_ALIGN).
func AlignLen(l int) int {
	return (l + 3) &^ 3
}

// Request opens a route socket, sends one message, and reads the ACK.
func Request(msg []byte) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("creating netlink socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("binding netlink socket: %w", err)
	}

	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("sending netlink message: %w", err)
	}

	return readAck(fd)
}

// readAck reads and validates the netlink ACK response. Kernel errors come
// back as the bare unix.Errno so callers can match EEXIST and friends.
func readAck(fd int) error {
	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return fmt.Errorf("reading netlink response: %w", err)
	}
	if n < HdrLen {
		return fmt.Errorf("netlink response too short: %d bytes", n)
	}

	msgType := binary.LittleEndian.Uint16(buf[4:6])
	if msgType == unix.NLMSG_ERROR {
		// The error code is a signed int32 right after the nlmsghdr.
		if n < HdrLen+4 {
			return fmt.Errorf("truncated NLMSG_ERROR response")
		}
		errno := *(*int32)(unsafe.Pointer(&buf[HdrLen]))
		if errno == 0 {
			return nil // ACK
		}
		return unix.Errno(-errno)
	}

	return nil
}
