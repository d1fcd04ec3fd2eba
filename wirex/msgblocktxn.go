// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MsgGetBlockTxn implements the wire.Message interface and represents a
// getblocktxn message (BIP0152).  It requests the transactions at the
// given indexes of the identified block, typically those a compact block
// could not be reconstructed from the mempool with.
type MsgGetBlockTxn struct {
	BlockHash chainhash.Hash
	Indexes   []uint32
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgGetBlockTxn) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	if _, err := io.ReadFull(r, msg.BlockHash[:]); err != nil {
		return err
	}

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxShortIDsPerMsg {
		str := fmt.Sprintf("too many requested txs in getblocktxn "+
			"[count %v]", count)
		return messageError("MsgGetBlockTxn.BtcDecode", str)
	}

	// Indexes are differentially encoded against the previous absolute
	// index plus one.
	msg.Indexes = make([]uint32, 0, count)
	index := uint64(0)
	for i := uint64(0); i < count; i++ {
		diff, err := wire.ReadVarInt(r, pver)
		if err != nil {
			return err
		}
		index += diff
		if index > uint64(^uint32(0)) {
			str := fmt.Sprintf("requested tx index overflow [%v]",
				index)
			return messageError("MsgGetBlockTxn.BtcDecode", str)
		}
		msg.Indexes = append(msg.Indexes, uint32(index))
		index++
	}

	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgGetBlockTxn) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	if _, err := w.Write(msg.BlockHash[:]); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(msg.Indexes))); err != nil {
		return err
	}
	last := int64(-1)
	for _, index := range msg.Indexes {
		diff := int64(index) - last - 1
		if diff < 0 {
			str := fmt.Sprintf("requested tx indexes out of order "+
				"[index %v after %v]", index, last)
			return messageError("MsgGetBlockTxn.BtcEncode", str)
		}
		if err := wire.WriteVarInt(w, pver, uint64(diff)); err != nil {
			return err
		}
		last = int64(index)
	}

	return nil
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgGetBlockTxn) Command() string {
	return CmdGetBlockTxn
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgGetBlockTxn) MaxPayloadLength(pver uint32) uint32 {
	return wire.MaxBlockPayload
}

// NewMsgGetBlockTxn returns a new getblocktxn message that conforms to
// the Message interface.  See MsgGetBlockTxn for details.
func NewMsgGetBlockTxn(blockHash *chainhash.Hash, indexes []uint32) *MsgGetBlockTxn {
	return &MsgGetBlockTxn{
		BlockHash: *blockHash,
		Indexes:   indexes,
	}
}

// MsgBlockTxn implements the wire.Message interface and represents a
// blocktxn message (BIP0152).  It carries the transactions requested by a
// previous getblocktxn message in block order.
type MsgBlockTxn struct {
	BlockHash    chainhash.Hash
	Transactions []*wire.MsgTx
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgBlockTxn) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	if _, err := io.ReadFull(r, msg.BlockHash[:]); err != nil {
		return err
	}

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxShortIDsPerMsg {
		str := fmt.Sprintf("too many txs in blocktxn [count %v]", count)
		return messageError("MsgBlockTxn.BtcDecode", str)
	}
	msg.Transactions = make([]*wire.MsgTx, 0, count)
	for i := uint64(0); i < count; i++ {
		tx := &wire.MsgTx{}
		if err := tx.BtcDecode(r, pver, enc); err != nil {
			return err
		}
		msg.Transactions = append(msg.Transactions, tx)
	}

	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgBlockTxn) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	if _, err := w.Write(msg.BlockHash[:]); err != nil {
		return err
	}

	err := wire.WriteVarInt(w, pver, uint64(len(msg.Transactions)))
	if err != nil {
		return err
	}
	for _, tx := range msg.Transactions {
		if err := tx.BtcEncode(w, pver, enc); err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgBlockTxn) Command() string {
	return CmdBlockTxn
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgBlockTxn) MaxPayloadLength(pver uint32) uint32 {
	return wire.MaxBlockPayload
}

// NewMsgBlockTxn returns a new blocktxn message that conforms to the
// Message interface.  See MsgBlockTxn for details.
func NewMsgBlockTxn(blockHash *chainhash.Hash) *MsgBlockTxn {
	return &MsgBlockTxn{
		BlockHash:    *blockHash,
		Transactions: make([]*wire.MsgTx, 0),
	}
}
