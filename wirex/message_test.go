// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
)

// testTx returns a minimal transaction whose hash varies with the passed
// lock time.
func testTx(lockTime uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{0x04, 0x31, 0xdc, 0x00, 0x1b},
		Sequence:         0xffffffff,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    5000000000,
		PkScript: []byte{0x51},
	})
	tx.LockTime = lockTime
	return tx
}

// TestMessageFraming round-trips the extended messages through the
// framing functions and verifies base messages still pass through.
func TestMessageFraming(t *testing.T) {
	pver := CompactWitnessVersion

	var pubKey [PubKeySize]byte
	pubKey[0] = 0x02
	pubKey[32] = 0x7f
	var challenge [32]byte
	challenge[7] = 0xaa
	var sig [SignatureSize]byte
	sig[63] = 0x0f

	blockHash := chainhash.DoubleHashH([]byte("block"))

	// The header timestamp travels as 32-bit unix seconds, so it must be
	// representable there to survive the round trip.
	cmpct := NewMsgCmpctBlock(&wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1231006505, 0),
		Bits:      0x1d00ffff,
	})
	cmpct.Nonce = 0x0102030405060708
	cmpct.ShortIDs = []uint64{0x0000aabbccddee, 0x00000000000001}
	cmpct.PrefilledTxs = []*PrefilledTx{{Index: 0, Tx: testTx(0)}}

	utxos := NewMsgUTXOs(1234, &blockHash)
	utxos.HitMap = []byte{0x05}
	utxos.UTXOs = []*UTXO{{
		TxVersion: 1,
		Height:    1000,
		TxOut:     wire.TxOut{Value: 42, PkScript: []byte{0x51}},
	}}

	getUtxos := NewMsgGetUTXOs(true)
	if err := getUtxos.AddOutPoint(wire.NewOutPoint(&blockHash, 1)); err != nil {
		t.Fatalf("AddOutPoint: unexpected error %v", err)
	}

	tests := []wire.Message{
		NewMsgSendCmpct(true, 1),
		cmpct,
		NewMsgGetBlockTxn(&blockHash, []uint32{1, 2, 5}),
		&MsgBlockTxn{BlockHash: blockHash, Transactions: []*wire.MsgTx{testTx(1), testTx(2)}},
		NewMsgEncinit(pubKey, CipherChaChaPoly),
		NewMsgEncack(pubKey),
		NewMsgAuthChallenge(challenge),
		NewMsgAuthReply(sig),
		NewMsgAuthPropose(challenge),
		NewMsgHaveWitness(),
		getUtxos,
		utxos,
		wire.NewMsgPing(7), // base set passes through unchanged
	}

	for i, msg := range tests {
		var buf bytes.Buffer
		_, err := WriteMessageN(&buf, msg, pver, wire.SimNet)
		if err != nil {
			t.Errorf("WriteMessageN #%d (%s): %v", i, msg.Command(), err)
			continue
		}

		_, decoded, _, err := ReadMessageN(&buf, pver, wire.SimNet)
		if err != nil {
			t.Errorf("ReadMessageN #%d (%s): %v", i, msg.Command(), err)
			continue
		}
		if !reflect.DeepEqual(msg, decoded) {
			t.Errorf("round trip #%d (%s) mismatch\ngot: %v\n"+
				"want: %v", i, msg.Command(),
				spew.Sdump(decoded), spew.Sdump(msg))
		}
	}
}

// TestUnknownCommand ensures a message with an unrecognized command is
// reported as such with its payload consumed, so the following message
// decodes normally.
func TestUnknownCommand(t *testing.T) {
	pver := CompactWitnessVersion
	var buf bytes.Buffer

	// Hand-frame a "foobar" message with a 4 byte payload.
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	var hdr [wire.MessageHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(wire.SimNet))
	copy(hdr[4:16], "foobar")
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(payload)))
	copy(hdr[20:24], chainhash.DoubleHashB(payload)[0:4])
	buf.Write(hdr[:])
	buf.Write(payload)

	// Follow it with a valid ping.
	if _, err := WriteMessageN(&buf, wire.NewMsgPing(99), pver, wire.SimNet); err != nil {
		t.Fatalf("WriteMessageN: %v", err)
	}

	_, _, _, err := ReadMessageN(&buf, pver, wire.SimNet)
	uerr, ok := err.(*UnknownCommandError)
	if !ok {
		t.Fatalf("expected *UnknownCommandError, got %T (%v)", err, err)
	}
	if uerr.Command != "foobar" {
		t.Fatalf("unexpected command %q", uerr.Command)
	}

	_, msg, _, err := ReadMessageN(&buf, pver, wire.SimNet)
	if err != nil {
		t.Fatalf("ReadMessageN after unknown command: %v", err)
	}
	ping, ok := msg.(*wire.MsgPing)
	if !ok || ping.Nonce != 99 {
		t.Fatalf("stream lost synchronization: got %v", spew.Sdump(msg))
	}
}

// TestTxChecksumFraming ensures framing a transaction with its cached
// hash as the precomputed checksum produces identical bytes to letting
// the framer hash the payload.
func TestTxChecksumFraming(t *testing.T) {
	pver := CompactWitnessVersion
	tx := testTx(9)
	txHash := tx.TxHash()

	var hashed, cached bytes.Buffer
	_, err := WriteMessageWithEncodingN(&hashed, tx, pver, wire.SimNet,
		wire.BaseEncoding, nil)
	if err != nil {
		t.Fatalf("WriteMessageWithEncodingN: %v", err)
	}
	_, err = WriteMessageWithEncodingN(&cached, tx, pver, wire.SimNet,
		wire.BaseEncoding, txHash[0:4])
	if err != nil {
		t.Fatalf("WriteMessageWithEncodingN: %v", err)
	}

	if !bytes.Equal(hashed.Bytes(), cached.Bytes()) {
		t.Fatalf("precomputed checksum framing differs:\n%x\n%x",
			hashed.Bytes(), cached.Bytes())
	}
}

// TestDifferentialIndexes ensures the differential index encoding of
// getblocktxn survives a round trip and rejects out of order indexes.
func TestDifferentialIndexes(t *testing.T) {
	pver := CompactWitnessVersion
	blockHash := chainhash.DoubleHashH([]byte("idx"))

	msg := NewMsgGetBlockTxn(&blockHash, []uint32{0, 1, 7, 8, 100})
	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, pver, wire.BaseEncoding); err != nil {
		t.Fatalf("BtcEncode: %v", err)
	}
	var decoded MsgGetBlockTxn
	if err := decoded.BtcDecode(&buf, pver, wire.BaseEncoding); err != nil {
		t.Fatalf("BtcDecode: %v", err)
	}
	if !reflect.DeepEqual(msg.Indexes, decoded.Indexes) {
		t.Fatalf("indexes mismatch: got %v, want %v", decoded.Indexes,
			msg.Indexes)
	}

	bad := NewMsgGetBlockTxn(&blockHash, []uint32{5, 3})
	if err := bad.BtcEncode(&buf, pver, wire.BaseEncoding); err == nil {
		t.Fatal("expected error for out of order indexes")
	}
}

// TestShortID ensures short ids are stable under a fixed key and change
// with the nonce.
func TestShortID(t *testing.T) {
	header := &wire.BlockHeader{Version: 2, Bits: 0x1d00ffff}
	hash := chainhash.DoubleHashH([]byte("tx"))

	keyA := ShortIDKey(header, 1)
	keyB := ShortIDKey(header, 2)

	if got, again := ShortID(&hash, &keyA), ShortID(&hash, &keyA); got != again {
		t.Fatalf("short id is not deterministic: %x != %x", got, again)
	}
	if ShortID(&hash, &keyA) == ShortID(&hash, &keyB) {
		t.Fatal("short id did not change with the nonce")
	}
	if ShortID(&hash, &keyA)>>48 != 0 {
		t.Fatal("short id exceeds 48 bits")
	}
}
