// Package meshlink connects to a radio daemon over TCP.
//
// The radio speaks a framed protobuf stream: every message is prefixed by
// the two start bytes 0x94 0xC3 and a big-endian 16-bit length. Between
// frames the radio may emit plain-text console output, which the reader
// skips.
//
// On each connect the client sends want_config_id with a fresh nonce; the
// radio answers with its node info and module configuration followed by a
// config_complete_id echoing the nonce, then streams received packets and
// MQTT proxy messages. A heartbeat is written periodically so the radio
// keeps the session open.
//
// Usage:
//
//	link, err := meshlink.New(meshlink.Config{Address: "10.0.0.5:4403"}, logger)
//	if err != nil {
//	    return err
//	}
//	link.SetOnFromRadio(monitor.HandleFromRadio)
//	if err := link.Start(); err != nil {
//	    logger.Warn("radio not reachable yet", "error", err)
//	}
//	defer link.Close()
package meshlink
