// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"io"

	"github.com/btcsuite/btcd/wire"
)

// SignatureSize is the length of the compact secp256k1 signatures carried
// by the BIP0150 authreply message.
const SignatureSize = 64

// MsgAuthChallenge implements the wire.Message interface and represents
// an authchallenge message (BIP0150).  The challenge hash commits to the
// identity public key the sender expects the receiver to prove ownership
// of.
type MsgAuthChallenge struct {
	Challenge [32]byte
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgAuthChallenge) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	_, err := io.ReadFull(r, msg.Challenge[:])
	return err
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgAuthChallenge) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	_, err := w.Write(msg.Challenge[:])
	return err
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgAuthChallenge) Command() string {
	return CmdAuthChallenge
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgAuthChallenge) MaxPayloadLength(pver uint32) uint32 {
	return 32
}

// NewMsgAuthChallenge returns a new authchallenge message that conforms
// to the Message interface.  See MsgAuthChallenge for details.
func NewMsgAuthChallenge(challenge [32]byte) *MsgAuthChallenge {
	return &MsgAuthChallenge{
		Challenge: challenge,
	}
}

// MsgAuthReply implements the wire.Message interface and represents an
// authreply message (BIP0150).  It proves ownership of an identity key by
// signing the outstanding challenge.
type MsgAuthReply struct {
	Signature [SignatureSize]byte
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgAuthReply) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	_, err := io.ReadFull(r, msg.Signature[:])
	return err
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgAuthReply) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	_, err := w.Write(msg.Signature[:])
	return err
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgAuthReply) Command() string {
	return CmdAuthReply
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgAuthReply) MaxPayloadLength(pver uint32) uint32 {
	return SignatureSize
}

// NewMsgAuthReply returns a new authreply message that conforms to the
// Message interface.  See MsgAuthReply for details.
func NewMsgAuthReply(sig [SignatureSize]byte) *MsgAuthReply {
	return &MsgAuthReply{
		Signature: sig,
	}
}

// MsgAuthPropose implements the wire.Message interface and represents an
// authpropose message (BIP0150).  It proposes an identity key hash for
// the remote peer to challenge.
type MsgAuthPropose struct {
	Hash [32]byte
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgAuthPropose) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	_, err := io.ReadFull(r, msg.Hash[:])
	return err
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgAuthPropose) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	_, err := w.Write(msg.Hash[:])
	return err
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgAuthPropose) Command() string {
	return CmdAuthPropose
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgAuthPropose) MaxPayloadLength(pver uint32) uint32 {
	return 32
}

// NewMsgAuthPropose returns a new authpropose message that conforms to
// the Message interface.  See MsgAuthPropose for details.
func NewMsgAuthPropose(hash [32]byte) *MsgAuthPropose {
	return &MsgAuthPropose{
		Hash: hash,
	}
}
