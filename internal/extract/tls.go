package extract

import "golang.org/x/crypto/cryptobyte"

// TLS constants used by the ClientHello walk.
const (
	recordTypeHandshake  uint8  = 0x16
	recordVersionMajor   uint8  = 0x03
	handshakeClientHello uint8  = 0x01
	extServerName        uint16 = 0x0000
	sniHostName          uint8  = 0x00

	recordHeaderLen = 5
	helloRandomLen  = 32
)

// SNI returns the host name from the server_name extension of the TLS
// ClientHello in payload.  The whole record must be present in payload; a
// record split across segments yields no domain.
func SNI(payload []byte) (host string) {
	if len(payload) < recordHeaderLen ||
		payload[0] != recordTypeHandshake ||
		payload[1] != recordVersionMajor ||
		payload[2] < 0x01 || payload[2] > 0x03 {
		return ""
	}

	s := cryptobyte.String(payload[3:])

	var record cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&record) {
		return ""
	}

	var msgType uint8
	var hello cryptobyte.String
	if !record.ReadUint8(&msgType) || msgType != handshakeClientHello ||
		!record.ReadUint24LengthPrefixed(&hello) {
		return ""
	}

	var sessionID, suites, compression, exts cryptobyte.String
	if !hello.Skip(2+helloRandomLen) ||
		!hello.ReadUint8LengthPrefixed(&sessionID) ||
		!hello.ReadUint16LengthPrefixed(&suites) ||
		!hello.ReadUint8LengthPrefixed(&compression) ||
		!hello.ReadUint16LengthPrefixed(&exts) {
		return ""
	}

	for !exts.Empty() {
		var typ uint16
		var ext cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&ext) {
			return ""
		}

		if typ != extServerName {
			continue
		}

		return serverName(ext)
	}

	return ""
}

// serverName parses the body of a server_name extension and returns its first
// entry if it is a host name.
func serverName(ext cryptobyte.String) (host string) {
	var list cryptobyte.String
	if !ext.ReadUint16LengthPrefixed(&list) {
		return ""
	}

	var nameType uint8
	var name cryptobyte.String
	if !list.ReadUint8(&nameType) || nameType != sniHostName ||
		!list.ReadUint16LengthPrefixed(&name) {
		return ""
	}

	return finish(name)
}
