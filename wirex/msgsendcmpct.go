// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// MsgSendCmpct implements the wire.Message interface and represents a
// sendcmpct message (BIP0152).  It is used to negotiate compact block
// relay with the remote peer.  Announce selects high bandwidth mode when
// true and Version selects the short id derivation.
//
// This message was not added until protocol version CompactVersion.
type MsgSendCmpct struct {
	Announce bool
	Version  uint64
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgSendCmpct) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	var buf [9]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	switch buf[0] {
	case 0x00:
		msg.Announce = false
	case 0x01:
		msg.Announce = true
	default:
		str := fmt.Sprintf("invalid announce flag 0x%02x", buf[0])
		return messageError("MsgSendCmpct.BtcDecode", str)
	}
	msg.Version = binary.LittleEndian.Uint64(buf[1:9])
	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgSendCmpct) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	var buf [9]byte
	if msg.Announce {
		buf[0] = 0x01
	}
	binary.LittleEndian.PutUint64(buf[1:9], msg.Version)
	_, err := w.Write(buf[:])
	return err
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgSendCmpct) Command() string {
	return CmdSendCmpct
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgSendCmpct) MaxPayloadLength(pver uint32) uint32 {
	// 1 byte announce flag + 8 bytes version.
	return 9
}

// NewMsgSendCmpct returns a new sendcmpct message that conforms to the
// Message interface.  See MsgSendCmpct for details.
func NewMsgSendCmpct(announce bool, version uint64) *MsgSendCmpct {
	return &MsgSendCmpct{
		Announce: announce,
		Version:  version,
	}
}
