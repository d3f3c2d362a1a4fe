// Package meshtastic implements the subset of the Meshtastic wire protocol
// the bridge needs: mesh packets and their decoded payload header, the MQTT
// service envelope, client proxy messages, and the FromRadio/ToRadio stream
// messages exchanged with a radio daemon over TCP.
//
// Messages are encoded and decoded directly with protowire rather than
// generated code. Decoding is strict: malformed wire data, field number 0,
// invalid UTF-8 in string fields and known fields carrying the wrong wire
// type are all rejected. Unknown fields are skipped. The frame recovery
// heuristic in the mesh bridge relies on this strictness to tell real
// packets from noise.
//
// # Stream framing
//
// Radio daemons exchange messages as frames:
//
//	0x94 0xC3 <len hi> <len lo> <payload...>
//
// where the payload is at most 512 bytes. Bytes outside frames are debug
// console output and are discarded by FrameReader.
package meshtastic
