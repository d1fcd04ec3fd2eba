// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package peer provides a bitcoin network peer session.

A Peer owns one connection to one remote node and manages its entire
lifecycle: the optional BIP0151/BIP0150 handshake phases, version
negotiation, keep-alive pings, inventory relay with per-peer dedup and
policy filtering, serving of headers, blocks, transactions, utxos and the
mempool, BIP0037 merkleblock collection, BIP0152 compact block
reconstruction, and misbehavior scoring.

The peer is deliberately narrow about its collaborators.  The chain,
mempool and broadcast inventory are reached through small interfaces; the
pool that owns many peers observes the session through the listener
callbacks configured at creation and is responsible for selection and
banning.  The wire codec lives in the wirex package which handles both
the base btcd message set and the extended messages this peer speaks.

Callbacks for inbound messages run serially on the peer's input handler,
so a slow listener blocks subsequent messages for that peer only.
Outbound messages are queued via QueueMessage and trickled inventory via
QueueInventory, matching the send order on the wire.
*/
package peer
