// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// InvTypeCmpctBlock is the BIP0152 inventory type used in getdata to
// request a block in compact form.  It is not part of the base wire
// inventory type set.
const InvTypeCmpctBlock = wire.InvType(4)

// ShortIDSize is the number of bytes a compact block short transaction
// id occupies on the wire.
const ShortIDSize = 6

// maxShortIDsPerMsg is a sanity cap on the number of short ids a single
// compact block may declare.
const maxShortIDsPerMsg = wire.MaxBlockPayload / ShortIDSize

// PrefilledTx is a transaction included directly in a compact block
// together with its index into the block.
type PrefilledTx struct {
	Index uint32
	Tx    *wire.MsgTx
}

// MsgCmpctBlock implements the wire.Message interface and represents a
// cmpctblock message (BIP0152).  The block is expressed as its header, a
// short id nonce, the short ids of most transactions, and a small set of
// prefilled transactions (always including the coinbase).
type MsgCmpctBlock struct {
	Header       wire.BlockHeader
	Nonce        uint64
	ShortIDs     []uint64
	PrefilledTxs []*PrefilledTx
}

// BlockHash computes the block identifier hash for the block the message
// describes.
func (msg *MsgCmpctBlock) BlockHash() chainhash.Hash {
	return msg.Header.BlockHash()
}

// TotalTxns returns the total number of transactions in the block the
// message describes.
func (msg *MsgCmpctBlock) TotalTxns() int {
	return len(msg.ShortIDs) + len(msg.PrefilledTxs)
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgCmpctBlock) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	if err := msg.Header.Deserialize(r); err != nil {
		return err
	}

	var nonce [8]byte
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return err
	}
	msg.Nonce = binary.LittleEndian.Uint64(nonce[:])

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxShortIDsPerMsg {
		str := fmt.Sprintf("too many short ids in cmpctblock "+
			"[count %v, max %v]", count, maxShortIDsPerMsg)
		return messageError("MsgCmpctBlock.BtcDecode", str)
	}
	msg.ShortIDs = make([]uint64, count)
	var sid [ShortIDSize]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, sid[:]); err != nil {
			return err
		}
		msg.ShortIDs[i] = uint64(sid[0]) | uint64(sid[1])<<8 |
			uint64(sid[2])<<16 | uint64(sid[3])<<24 |
			uint64(sid[4])<<32 | uint64(sid[5])<<40
	}

	count, err = wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxShortIDsPerMsg {
		str := fmt.Sprintf("too many prefilled txs in cmpctblock "+
			"[count %v]", count)
		return messageError("MsgCmpctBlock.BtcDecode", str)
	}
	msg.PrefilledTxs = make([]*PrefilledTx, 0, count)

	// Prefilled indexes are differentially encoded against the previous
	// absolute index plus one.
	index := uint64(0)
	for i := uint64(0); i < count; i++ {
		diff, err := wire.ReadVarInt(r, pver)
		if err != nil {
			return err
		}
		index += diff
		if index > uint64(^uint32(0)) {
			str := fmt.Sprintf("prefilled tx index overflow [%v]",
				index)
			return messageError("MsgCmpctBlock.BtcDecode", str)
		}

		tx := &wire.MsgTx{}
		if err := tx.BtcDecode(r, pver, enc); err != nil {
			return err
		}
		msg.PrefilledTxs = append(msg.PrefilledTxs, &PrefilledTx{
			Index: uint32(index),
			Tx:    tx,
		})
		index++
	}

	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgCmpctBlock) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	if err := msg.Header.Serialize(w); err != nil {
		return err
	}

	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], msg.Nonce)
	if _, err := w.Write(nonce[:]); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(msg.ShortIDs))); err != nil {
		return err
	}
	var sid [ShortIDSize]byte
	for _, id := range msg.ShortIDs {
		sid[0] = byte(id)
		sid[1] = byte(id >> 8)
		sid[2] = byte(id >> 16)
		sid[3] = byte(id >> 24)
		sid[4] = byte(id >> 32)
		sid[5] = byte(id >> 40)
		if _, err := w.Write(sid[:]); err != nil {
			return err
		}
	}

	err := wire.WriteVarInt(w, pver, uint64(len(msg.PrefilledTxs)))
	if err != nil {
		return err
	}
	last := int64(-1)
	for _, ptx := range msg.PrefilledTxs {
		diff := int64(ptx.Index) - last - 1
		if diff < 0 {
			str := fmt.Sprintf("prefilled tx indexes out of order "+
				"[index %v after %v]", ptx.Index, last)
			return messageError("MsgCmpctBlock.BtcEncode", str)
		}
		if err := wire.WriteVarInt(w, pver, uint64(diff)); err != nil {
			return err
		}
		if err := ptx.Tx.BtcEncode(w, pver, enc); err != nil {
			return err
		}
		last = int64(ptx.Index)
	}

	return nil
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgCmpctBlock) Command() string {
	return CmdCmpctBlock
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgCmpctBlock) MaxPayloadLength(pver uint32) uint32 {
	return wire.MaxBlockPayload
}

// NewMsgCmpctBlock returns a new cmpctblock message that conforms to the
// Message interface.  See MsgCmpctBlock for details.
func NewMsgCmpctBlock(header *wire.BlockHeader) *MsgCmpctBlock {
	return &MsgCmpctBlock{
		Header:       *header,
		ShortIDs:     make([]uint64, 0),
		PrefilledTxs: make([]*PrefilledTx, 0),
	}
}
