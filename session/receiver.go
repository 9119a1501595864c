package session

import (
	"context"
	"encoding/binary"
)

// Command codes the receiver dispatches on, per spec.md §6. MERCURY_*,
// AES_KEY*, and CHANNEL_*/STREAM_CHUNK_RES are "subsystem-defined" in
// spec.md — concrete values here are routing placeholders, since no
// concrete Mercury/audio-key/channel implementation ships in this core
// (spec.md §1 Non-goals); a real deployment wires its Mercury/audio-key/
// channel client to whatever values its access point actually uses.
const (
	cmdLogin            byte = 0xAB
	cmdAPWelcome        byte = 0xAC
	cmdAuthFailure      byte = 0xAD
	cmdPing             byte = 0x04
	cmdPong             byte = 0x49
	cmdPongAck          byte = 0x4A
	cmdUnknown0x0F      byte = 0x0F
	cmdUnknown0x10      byte = 0x10
	cmdPreferredLocale  byte = 0x74
	cmdCountryCode      byte = 0x1B
	cmdLicenseVersion   byte = 0x76
	cmdProductInfo      byte = 0x50

	cmdMercurySub   byte = 0xB3
	cmdMercuryUnsub byte = 0xB4
	cmdMercuryEvent byte = 0xB5
	cmdMercuryReq   byte = 0xB2

	cmdAESKey      byte = 0x0C
	cmdAESKeyError byte = 0x0D

	cmdChannelError   byte = 0x32
	cmdStreamChunkRes byte = 0x19
)

// runReceiver is the single dedicated goroutine that owns the read side of
// the connection, per spec.md §5's "exactly one dedicated thread runs the
// Receiver" concurrency model. Grounded on the teacher's
// circuit.ReceiveRelay/Stream.Read read-loop shape
// (github.com/cvsouth/tor-go/circuit, github.com/cvsouth/tor-go/stream),
// generalized from multiplexing by stream ID to multiplexing by command
// byte.
func (s *Session) runReceiver(ctx context.Context) {
	for {
		s.mu.Lock()
		conn, cipher := s.conn, s.cipher
		s.mu.Unlock()

		cmd, payload, err := cipher.DecodePacket(conn)
		if err != nil {
			if s.Phase() >= PhaseClosing {
				// Close() closed conn out from under us; this read failure
				// is expected, not a dropped connection to recover from.
				return
			}
			s.metrics.ReceiverError()
			s.logger.Warn("receiver read failed, reconnecting", "error", err)
			s.reconnect(ctx)
			return
		}

		s.dispatch(cmd, payload)
	}
}

func (s *Session) dispatch(cmd byte, payload []byte) {
	switch cmd {
	case cmdPing:
		s.armWatchdog()
		if err := s.SendPacket(cmdPong, payload); err != nil {
			s.logger.Warn("failed to echo PONG", "error", err)
		}

	case cmdPongAck:
		// No action required.

	case cmdCountryCode:
		s.setCountry(string(payload))

	case cmdLicenseVersion:
		if len(payload) < 2 {
			s.logger.Debug("truncated LICENSE_VERSION payload")
			return
		}
		id := int16(binary.BigEndian.Uint16(payload[:2]))
		s.logger.Info("license version", "id", id)

	case cmdUnknown0x10:
		s.logger.Debug("received 0x10", "len", len(payload))

	case cmdMercurySub, cmdMercuryUnsub, cmdMercuryEvent, cmdMercuryReq:
		s.mu.Lock()
		core := s.core
		s.mu.Unlock()
		if core != nil && core.Mercury != nil {
			core.Mercury.Dispatch(cmd, payload)
		}

	case cmdAESKey, cmdAESKeyError:
		s.logger.Debug("audio key packet received but no audio-key subsystem is configured", "cmd", cmd)

	case cmdChannelError, cmdStreamChunkRes:
		s.logger.Debug("channel packet received but no channel subsystem is configured", "cmd", cmd)

	case cmdProductInfo:
		s.setUserAttrs(parseProductInfoXML(payload))

	default:
		s.logger.Debug("unknown command, skipping", "cmd", cmd)
	}
}
