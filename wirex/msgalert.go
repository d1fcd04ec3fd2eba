// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"io"

	"github.com/btcsuite/btcd/wire"
)

// maxAlertSize is the maximum size an alert payload or signature may be.
const maxAlertSize = 65535

// MsgAlert implements the wire.Message interface and represents an alert
// message.  The network no longer issues alerts, but the message is
// still parsed so stray alerts from old nodes surface as events instead
// of unknown commands.  The payload is kept opaque.
type MsgAlert struct {
	SerializedPayload []byte
	Signature         []byte
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgAlert) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	var err error
	msg.SerializedPayload, err = wire.ReadVarBytes(r, pver, maxAlertSize,
		"alert serialized payload")
	if err != nil {
		return err
	}
	msg.Signature, err = wire.ReadVarBytes(r, pver, maxAlertSize,
		"alert signature")
	return err
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgAlert) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	err := wire.WriteVarBytes(w, pver, msg.SerializedPayload)
	if err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, msg.Signature)
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgAlert) Command() string {
	return CmdAlert
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgAlert) MaxPayloadLength(pver uint32) uint32 {
	// Payload and signature, each with a varint length prefix.
	return 2 * (maxAlertSize + 5)
}

// NewMsgAlert returns a new alert message that conforms to the Message
// interface.  See MsgAlert for details.
func NewMsgAlert(serializedPayload []byte, signature []byte) *MsgAlert {
	return &MsgAlert{
		SerializedPayload: serializedPayload,
		Signature:         signature,
	}
}
