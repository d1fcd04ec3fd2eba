// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"io"

	"github.com/btcsuite/btcd/wire"
)

// MsgHaveWitness implements the wire.Message interface and represents a
// havewitness message.  It has no payload and asserts segregated witness
// support on networks whose version handshake predates the witness
// service bit.
type MsgHaveWitness struct{}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgHaveWitness) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgHaveWitness) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	return nil
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgHaveWitness) Command() string {
	return CmdHaveWitness
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgHaveWitness) MaxPayloadLength(pver uint32) uint32 {
	return 0
}

// NewMsgHaveWitness returns a new havewitness message that conforms to
// the Message interface.
func NewMsgHaveWitness() *MsgHaveWitness {
	return &MsgHaveWitness{}
}
