// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// Ciphers negotiable via the BIP0151 encinit message.
const (
	// CipherChaChaPoly is the chacha20-poly1305@openssh.com cipher suite,
	// the only suite the BIP defines.
	CipherChaChaPoly uint8 = 0
)

// PubKeySize is the length of the compressed secp256k1 public keys
// carried by the BIP0151 and BIP0150 handshake messages.
const PubKeySize = 33

// MsgEncinit implements the wire.Message interface and represents an
// encinit message (BIP0151).  It opens the encrypted transport handshake
// by offering an ephemeral public key and a cipher suite.
type MsgEncinit struct {
	PubKey [PubKeySize]byte
	Cipher uint8
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgEncinit) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	if _, err := io.ReadFull(r, msg.PubKey[:]); err != nil {
		return err
	}
	var cipher [1]byte
	if _, err := io.ReadFull(r, cipher[:]); err != nil {
		return err
	}
	msg.Cipher = cipher[0]
	if msg.Cipher != CipherChaChaPoly {
		str := fmt.Sprintf("unknown cipher type %d", msg.Cipher)
		return messageError("MsgEncinit.BtcDecode", str)
	}
	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgEncinit) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	if _, err := w.Write(msg.PubKey[:]); err != nil {
		return err
	}
	_, err := w.Write([]byte{msg.Cipher})
	return err
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgEncinit) Command() string {
	return CmdEncinit
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgEncinit) MaxPayloadLength(pver uint32) uint32 {
	// 33 bytes public key + 1 byte cipher.
	return PubKeySize + 1
}

// NewMsgEncinit returns a new encinit message that conforms to the
// Message interface.  See MsgEncinit for details.
func NewMsgEncinit(pubKey [PubKeySize]byte, cipher uint8) *MsgEncinit {
	return &MsgEncinit{
		PubKey: pubKey,
		Cipher: cipher,
	}
}

// MsgEncack implements the wire.Message interface and represents an
// encack message (BIP0151).  It answers an encinit with the responder's
// ephemeral public key.  An all-zero key signals a rekey on an already
// established channel.
type MsgEncack struct {
	PubKey [PubKeySize]byte
}

// Rekey returns whether the message is a rekey signal rather than a
// handshake answer.
func (msg *MsgEncack) Rekey() bool {
	for _, b := range msg.PubKey {
		if b != 0 {
			return false
		}
	}
	return true
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgEncack) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	_, err := io.ReadFull(r, msg.PubKey[:])
	return err
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgEncack) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	_, err := w.Write(msg.PubKey[:])
	return err
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgEncack) Command() string {
	return CmdEncack
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgEncack) MaxPayloadLength(pver uint32) uint32 {
	return PubKeySize
}

// NewMsgEncack returns a new encack message that conforms to the Message
// interface.  See MsgEncack for details.
func NewMsgEncack(pubKey [PubKeySize]byte) *MsgEncack {
	return &MsgEncack{
		PubKey: pubKey,
	}
}
