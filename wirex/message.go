// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wirex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Commands for the extended message set.  The wire command field is 12
// bytes, so the BIP0150 challenge command is carried in its truncated
// on-wire form.
const (
	CmdSendCmpct     = "sendcmpct"
	CmdCmpctBlock    = "cmpctblock"
	CmdGetBlockTxn   = "getblocktxn"
	CmdBlockTxn      = "blocktxn"
	CmdEncinit       = "encinit"
	CmdEncack        = "encack"
	CmdAuthChallenge = "authchalleng"
	CmdAuthReply     = "authreply"
	CmdAuthPropose   = "authpropose"
	CmdHaveWitness   = "havewitness"
	CmdGetUTXOs      = "getutxos"
	CmdUTXOs         = "utxos"
	CmdAlert         = "alert"
)

// Protocol version gates for the extended messages.
const (
	// CompactVersion is the protocol version which added the BIP0152
	// compact block messages.
	CompactVersion uint32 = 70014

	// CompactWitnessVersion is the protocol version which added witness
	// aware short ids to the compact block messages.
	CompactWitnessVersion uint32 = 70015
)

// UnknownCommandError describes a message whose command is not part of
// either the base or extended message sets.  The payload has already been
// consumed from the stream when this error is returned.
type UnknownCommandError struct {
	Command string
}

// Error implements the error interface.
func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Command)
}

// messageError creates a wire.MessageError given a set of arguments.
func messageError(f string, desc string) *wire.MessageError {
	return &wire.MessageError{Func: f, Description: desc}
}

// makeEmptyMessage creates a message of the appropriate concrete type
// based on the command, consulting the extended set first and falling
// back to the base btcd wire set.
func makeEmptyMessage(command string) (wire.Message, error) {
	switch command {
	case CmdSendCmpct:
		return &MsgSendCmpct{}, nil
	case CmdCmpctBlock:
		return &MsgCmpctBlock{}, nil
	case CmdGetBlockTxn:
		return &MsgGetBlockTxn{}, nil
	case CmdBlockTxn:
		return &MsgBlockTxn{}, nil
	case CmdEncinit:
		return &MsgEncinit{}, nil
	case CmdEncack:
		return &MsgEncack{}, nil
	case CmdAuthChallenge:
		return &MsgAuthChallenge{}, nil
	case CmdAuthReply:
		return &MsgAuthReply{}, nil
	case CmdAuthPropose:
		return &MsgAuthPropose{}, nil
	case CmdHaveWitness:
		return &MsgHaveWitness{}, nil
	case CmdGetUTXOs:
		return &MsgGetUTXOs{}, nil
	case CmdUTXOs:
		return &MsgUTXOs{}, nil
	case CmdAlert:
		return &MsgAlert{}, nil
	}

	switch command {
	case wire.CmdVersion:
		return &wire.MsgVersion{}, nil
	case wire.CmdVerAck:
		return &wire.MsgVerAck{}, nil
	case wire.CmdGetAddr:
		return &wire.MsgGetAddr{}, nil
	case wire.CmdAddr:
		return &wire.MsgAddr{}, nil
	case wire.CmdGetBlocks:
		return &wire.MsgGetBlocks{}, nil
	case wire.CmdBlock:
		return &wire.MsgBlock{}, nil
	case wire.CmdInv:
		return &wire.MsgInv{}, nil
	case wire.CmdGetData:
		return &wire.MsgGetData{}, nil
	case wire.CmdNotFound:
		return &wire.MsgNotFound{}, nil
	case wire.CmdTx:
		return &wire.MsgTx{}, nil
	case wire.CmdPing:
		return &wire.MsgPing{}, nil
	case wire.CmdPong:
		return &wire.MsgPong{}, nil
	case wire.CmdGetHeaders:
		return &wire.MsgGetHeaders{}, nil
	case wire.CmdHeaders:
		return &wire.MsgHeaders{}, nil
	case wire.CmdMemPool:
		return &wire.MsgMemPool{}, nil
	case wire.CmdFilterAdd:
		return &wire.MsgFilterAdd{}, nil
	case wire.CmdFilterClear:
		return &wire.MsgFilterClear{}, nil
	case wire.CmdFilterLoad:
		return &wire.MsgFilterLoad{}, nil
	case wire.CmdMerkleBlock:
		return &wire.MsgMerkleBlock{}, nil
	case wire.CmdReject:
		return &wire.MsgReject{}, nil
	case wire.CmdSendHeaders:
		return &wire.MsgSendHeaders{}, nil
	case wire.CmdFeeFilter:
		return &wire.MsgFeeFilter{}, nil
	}

	return nil, &UnknownCommandError{Command: command}
}

// messageHeader defines the header structure for all bitcoin protocol
// messages.
type messageHeader struct {
	magic    wire.BitcoinNet // 4 bytes
	command  string          // 12 bytes
	length   uint32          // 4 bytes
	checksum [4]byte         // 4 bytes
}

// readMessageHeader reads a bitcoin message header from r.
func readMessageHeader(r io.Reader) (int, *messageHeader, error) {
	var headerBytes [wire.MessageHeaderSize]byte
	n, err := io.ReadFull(r, headerBytes[:])
	if err != nil {
		return n, nil, err
	}

	hdr := messageHeader{}
	hdr.magic = wire.BitcoinNet(binary.LittleEndian.Uint32(headerBytes[0:4]))
	command := headerBytes[4 : 4+wire.CommandSize]
	hdr.command = string(bytes.TrimRight(command, "\x00"))
	hdr.length = binary.LittleEndian.Uint32(headerBytes[16:20])
	copy(hdr.checksum[:], headerBytes[20:24])

	return n, &hdr, nil
}

// discardInput reads n bytes from reader r in chunks and discards the
// read bytes.  This is used to skip payloads when various errors occur
// and helps prevent rogue nodes from causing massive memory allocation
// through forging header length.
func discardInput(r io.Reader, n uint32) {
	maxSize := uint32(10 * 1024) // 10k at a time
	numReads := n / maxSize
	bytesRemaining := n % maxSize
	if n > 0 {
		buf := make([]byte, maxSize)
		for i := uint32(0); i < numReads; i++ {
			io.ReadFull(r, buf)
		}
	}
	if bytesRemaining > 0 {
		buf := make([]byte, bytesRemaining)
		io.ReadFull(r, buf)
	}
}

// WriteMessageN writes a bitcoin Message to w including the necessary
// header information and returns the number of bytes written.  Both the
// base and extended message sets are supported.
func WriteMessageN(w io.Writer, msg wire.Message, pver uint32,
	btcnet wire.BitcoinNet) (int, error) {

	return WriteMessageWithEncodingN(w, msg, pver, btcnet,
		wire.BaseEncoding, nil)
}

// WriteMessageWithEncodingN writes a bitcoin Message to w including the
// necessary header information and returns the number of bytes written.
// The checksum parameter, when non-nil, must be the leading 4 bytes of
// the double SHA-256 of the encoded payload and is used in place of
// hashing the payload again.  Transaction messages use this with the
// cached tx hash since the checksum of a tx payload is its txid (or
// wtxid for witness encoding).
func WriteMessageWithEncodingN(w io.Writer, msg wire.Message, pver uint32,
	btcnet wire.BitcoinNet, encoding wire.MessageEncoding,
	checksum []byte) (int, error) {

	totalBytes := 0

	// Enforce max command size.
	var command [wire.CommandSize]byte
	cmd := msg.Command()
	if len(cmd) > wire.CommandSize {
		str := fmt.Sprintf("command [%s] is too long [max %v]",
			cmd, wire.CommandSize)
		return totalBytes, messageError("WriteMessage", str)
	}
	copy(command[:], []byte(cmd))

	// Encode the message payload.
	var bw bytes.Buffer
	err := msg.BtcEncode(&bw, pver, encoding)
	if err != nil {
		return totalBytes, err
	}
	payload := bw.Bytes()
	lenp := len(payload)

	// Enforce maximum overall message payload.
	if lenp > wire.MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload is %d bytes",
			lenp, wire.MaxMessagePayload)
		return totalBytes, messageError("WriteMessage", str)
	}

	// Enforce maximum message payload based on the message type.
	mpl := msg.MaxPayloadLength(pver)
	if uint32(lenp) > mpl {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload size for "+
			"messages of type [%s] is %d.", lenp, cmd, mpl)
		return totalBytes, messageError("WriteMessage", str)
	}

	if checksum == nil {
		checksum = chainhash.DoubleHashB(payload)[0:4]
	}

	// Create and encode the header for the message.
	var hw [wire.MessageHeaderSize]byte
	binary.LittleEndian.PutUint32(hw[0:4], uint32(btcnet))
	copy(hw[4:4+wire.CommandSize], command[:])
	binary.LittleEndian.PutUint32(hw[16:20], uint32(lenp))
	copy(hw[20:24], checksum[0:4])

	n, err := w.Write(hw[:])
	totalBytes += n
	if err != nil {
		return totalBytes, err
	}

	// Only write the payload if there is one, e.g., verack messages
	// don't have one.
	if len(payload) > 0 {
		n, err = w.Write(payload)
		totalBytes += n
	}

	return totalBytes, err
}

// ReadMessageN reads, validates, and parses the next bitcoin Message from
// r for the provided protocol version and bitcoin network.  It returns
// the number of bytes read in addition to the parsed Message and raw
// bytes which comprise the message.
func ReadMessageN(r io.Reader, pver uint32, btcnet wire.BitcoinNet) (int,
	wire.Message, []byte, error) {

	return ReadMessageWithEncodingN(r, pver, btcnet, wire.BaseEncoding)
}

// ReadMessageWithEncodingN reads, validates, and parses the next bitcoin
// Message from r for the provided protocol version and bitcoin network.
// Both the base and extended message sets are recognized.  A message with
// a command outside both sets consumes its payload and returns
// *UnknownCommandError so the caller can skip it without losing stream
// synchronization.
func ReadMessageWithEncodingN(r io.Reader, pver uint32,
	btcnet wire.BitcoinNet, enc wire.MessageEncoding) (int, wire.Message,
	[]byte, error) {

	totalBytes := 0
	n, hdr, err := readMessageHeader(r)
	totalBytes += n
	if err != nil {
		return totalBytes, nil, nil, err
	}

	// Enforce maximum message payload.
	if hdr.length > wire.MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - header "+
			"indicates %d bytes, but max message payload is %d "+
			"bytes.", hdr.length, wire.MaxMessagePayload)
		return totalBytes, nil, nil, messageError("ReadMessage", str)
	}

	// Check for messages from the wrong bitcoin network.
	if hdr.magic != btcnet {
		discardInput(r, hdr.length)
		str := fmt.Sprintf("message from other network [%v]", hdr.magic)
		return totalBytes, nil, nil, messageError("ReadMessage", str)
	}

	// Check for malformed commands.
	command := hdr.command
	if !utf8.ValidString(command) {
		discardInput(r, hdr.length)
		str := fmt.Sprintf("invalid command %v", []byte(command))
		return totalBytes, nil, nil, messageError("ReadMessage", str)
	}

	// Create struct of appropriate message type based on the command.
	msg, err := makeEmptyMessage(command)
	if err != nil {
		// Consume the payload so the caller can continue reading
		// from the stream after dealing with the unknown command.
		discardInput(r, hdr.length)
		totalBytes += int(hdr.length)
		return totalBytes, nil, nil, err
	}

	// Check for maximum length based on the message type as a malicious
	// client could otherwise create a well-formed header and set the
	// length to max numbers in order to exhaust the machine's memory.
	mpl := msg.MaxPayloadLength(pver)
	if hdr.length > mpl {
		discardInput(r, hdr.length)
		str := fmt.Sprintf("payload exceeds max length - header "+
			"indicates %v bytes, but max payload size for "+
			"messages of type [%v] is %v.", hdr.length, command, mpl)
		return totalBytes, nil, nil, messageError("ReadMessage", str)
	}

	// Read payload.
	payload := make([]byte, hdr.length)
	n, err = io.ReadFull(r, payload)
	totalBytes += n
	if err != nil {
		return totalBytes, nil, nil, err
	}

	// Test checksum.
	checksum := chainhash.DoubleHashB(payload)[0:4]
	if !bytes.Equal(checksum, hdr.checksum[:]) {
		str := fmt.Sprintf("payload checksum failed - header "+
			"indicates %v, but actual checksum is %v.",
			hdr.checksum, checksum)
		return totalBytes, nil, nil, messageError("ReadMessage", str)
	}

	// Unmarshal message.  NOTE: This must be a *bytes.Buffer since the
	// MsgVersion BtcDecode function requires it.
	pr := bytes.NewBuffer(payload)
	err = msg.BtcDecode(pr, pver, enc)
	if err != nil {
		return totalBytes, nil, nil, err
	}

	return totalBytes, msg, payload, nil
}
