// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wirex implements the bitcoin wire protocol messages that are not
part of the base btcd wire package along with framing that understands
both message sets.

The additional messages cover compact blocks (BIP0152), the encrypted
transport handshake (BIP0151), peer authentication (BIP0150), the utxo
query protocol (BIP0064) and the havewitness service upgrade probe.  Each
message implements the wire.Message interface so it can be used anywhere
a base message can.

ReadMessageN and WriteMessageN (and their WithEncodingN forms) mirror the
base package framing (24 byte
header carrying the network magic, command, payload length and double
SHA-256 checksum) while recognizing the extended command set.  Unknown
commands surface as *UnknownCommandError with the payload consumed so the
caller can keep the stream synchronized.
*/
package wirex
