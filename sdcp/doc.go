// Package sdcp implements SDCP (Secure Datagram Channel Protocol), a
// certificate-authenticated secure channel over best-effort UDP
// datagrams.
//
// Each Server hosts one local identity (X.509 certificate + Ed25519 key)
// on one socket and negotiates per-peer sessions: HELLO opens contact,
// PRESENTATION exchanges certificates, SESSION_REQUEST/SESSION agree on
// a cipher suite and ephemeral X25519 keys. Established sessions carry
// channel-tagged DATA and contact-relay traffic, AEAD-sealed with
// per-direction keys, sequence counters and a sliding replay window.
// The transport stays unacknowledged: delivery, like the wire itself, is
// best effort.
package sdcp
