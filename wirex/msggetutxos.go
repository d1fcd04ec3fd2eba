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

// MaxGetUTXOsOutPoints is the maximum number of previous outputs a single
// getutxos message may query.
const MaxGetUTXOsOutPoints = 15

// MsgGetUTXOs implements the wire.Message interface and represents a
// getutxos message (BIP0064).  It queries the utxo set, optionally also
// applying unconfirmed mempool spends, for a short list of previous
// outputs.
type MsgGetUTXOs struct {
	CheckMempool bool
	OutPoints    []wire.OutPoint
}

// AddOutPoint adds a previous output to the query.
func (msg *MsgGetUTXOs) AddOutPoint(op *wire.OutPoint) error {
	if len(msg.OutPoints)+1 > MaxGetUTXOsOutPoints {
		str := fmt.Sprintf("too many outpoints in message [max %v]",
			MaxGetUTXOsOutPoints)
		return messageError("MsgGetUTXOs.AddOutPoint", str)
	}
	msg.OutPoints = append(msg.OutPoints, *op)
	return nil
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgGetUTXOs) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return err
	}
	msg.CheckMempool = flag[0] != 0

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > MaxGetUTXOsOutPoints {
		str := fmt.Sprintf("too many outpoints in message [count %v, "+
			"max %v]", count, MaxGetUTXOsOutPoints)
		return messageError("MsgGetUTXOs.BtcDecode", str)
	}

	msg.OutPoints = make([]wire.OutPoint, count)
	var index [4]byte
	for i := uint64(0); i < count; i++ {
		op := &msg.OutPoints[i]
		if _, err := io.ReadFull(r, op.Hash[:]); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, index[:]); err != nil {
			return err
		}
		op.Index = binary.LittleEndian.Uint32(index[:])
	}

	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgGetUTXOs) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	if len(msg.OutPoints) > MaxGetUTXOsOutPoints {
		str := fmt.Sprintf("too many outpoints in message [count %v, "+
			"max %v]", len(msg.OutPoints), MaxGetUTXOsOutPoints)
		return messageError("MsgGetUTXOs.BtcEncode", str)
	}

	flag := []byte{0x00}
	if msg.CheckMempool {
		flag[0] = 0x01
	}
	if _, err := w.Write(flag); err != nil {
		return err
	}

	err := wire.WriteVarInt(w, pver, uint64(len(msg.OutPoints)))
	if err != nil {
		return err
	}
	var index [4]byte
	for i := range msg.OutPoints {
		op := &msg.OutPoints[i]
		if _, err := w.Write(op.Hash[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(index[:], op.Index)
		if _, err := w.Write(index[:]); err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgGetUTXOs) Command() string {
	return CmdGetUTXOs
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgGetUTXOs) MaxPayloadLength(pver uint32) uint32 {
	// 1 byte mempool flag + varint + 36 bytes per outpoint.
	return 1 + uint32(wire.VarIntSerializeSize(MaxGetUTXOsOutPoints)) +
		MaxGetUTXOsOutPoints*36
}

// NewMsgGetUTXOs returns a new getutxos message that conforms to the
// Message interface.  See MsgGetUTXOs for details.
func NewMsgGetUTXOs(checkMempool bool) *MsgGetUTXOs {
	return &MsgGetUTXOs{
		CheckMempool: checkMempool,
		OutPoints:    make([]wire.OutPoint, 0, MaxGetUTXOsOutPoints),
	}
}

// UTXO is a single unspent output entry of a utxos message.  Height is
// the block height the containing transaction confirmed at, or
// MempoolHeight for unconfirmed outputs.
type UTXO struct {
	TxVersion uint32
	Height    uint32
	TxOut     wire.TxOut
}

// MempoolHeight is the sentinel height a utxos entry carries when the
// output is only known to the mempool.
const MempoolHeight = uint32(0x7fffffff)

// MsgUTXOs implements the wire.Message interface and represents a utxos
// message (BIP0064).  The hit bitmap carries one bit per queried outpoint
// in query order; set bits have a corresponding UTXO entry.
type MsgUTXOs struct {
	Height  uint32
	TipHash chainhash.Hash
	HitMap  []byte
	UTXOs   []*UTXO
}

// BtcDecode decodes r using the bitcoin protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgUTXOs) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	var height [4]byte
	if _, err := io.ReadFull(r, height[:]); err != nil {
		return err
	}
	msg.Height = binary.LittleEndian.Uint32(height[:])

	if _, err := io.ReadFull(r, msg.TipHash[:]); err != nil {
		return err
	}

	hitMap, err := wire.ReadVarBytes(r, pver, MaxGetUTXOsOutPoints,
		"utxos hit map")
	if err != nil {
		return err
	}
	msg.HitMap = hitMap

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > MaxGetUTXOsOutPoints {
		str := fmt.Sprintf("too many utxos in message [count %v, "+
			"max %v]", count, MaxGetUTXOsOutPoints)
		return messageError("MsgUTXOs.BtcDecode", str)
	}

	msg.UTXOs = make([]*UTXO, 0, count)
	var word [4]byte
	var value [8]byte
	for i := uint64(0); i < count; i++ {
		utxo := &UTXO{}
		if _, err := io.ReadFull(r, word[:]); err != nil {
			return err
		}
		utxo.TxVersion = binary.LittleEndian.Uint32(word[:])
		if _, err := io.ReadFull(r, word[:]); err != nil {
			return err
		}
		utxo.Height = binary.LittleEndian.Uint32(word[:])
		if _, err := io.ReadFull(r, value[:]); err != nil {
			return err
		}
		utxo.TxOut.Value = int64(binary.LittleEndian.Uint64(value[:]))
		script, err := wire.ReadVarBytes(r, pver,
			uint32(wire.MaxMessagePayload), "utxo script")
		if err != nil {
			return err
		}
		utxo.TxOut.PkScript = script
		msg.UTXOs = append(msg.UTXOs, utxo)
	}

	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol
// encoding.  This is part of the Message interface implementation.
func (msg *MsgUTXOs) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], msg.Height)
	if _, err := w.Write(word[:]); err != nil {
		return err
	}

	if _, err := w.Write(msg.TipHash[:]); err != nil {
		return err
	}

	if err := wire.WriteVarBytes(w, pver, msg.HitMap); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(msg.UTXOs))); err != nil {
		return err
	}
	var value [8]byte
	for _, utxo := range msg.UTXOs {
		binary.LittleEndian.PutUint32(word[:], utxo.TxVersion)
		if _, err := w.Write(word[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(word[:], utxo.Height)
		if _, err := w.Write(word[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(value[:], uint64(utxo.TxOut.Value))
		if _, err := w.Write(value[:]); err != nil {
			return err
		}
		err := wire.WriteVarBytes(w, pver, utxo.TxOut.PkScript)
		if err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.  This is
// part of the Message interface implementation.
func (msg *MsgUTXOs) Command() string {
	return CmdUTXOs
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgUTXOs) MaxPayloadLength(pver uint32) uint32 {
	return wire.MaxMessagePayload
}

// NewMsgUTXOs returns a new utxos message that conforms to the Message
// interface.  See MsgUTXOs for details.
func NewMsgUTXOs(height uint32, tipHash *chainhash.Hash) *MsgUTXOs {
	return &MsgUTXOs{
		Height:  height,
		TipHash: *tipHash,
		HitMap:  make([]byte, 0),
		UTXOs:   make([]*UTXO, 0),
	}
}
