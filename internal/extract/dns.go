package extract

import (
	"encoding/binary"

	"github.com/p4th0r/tunfilter/internal/domain"
)

// dnsHeaderLen is the fixed size of the DNS message header.
const dnsHeaderLen = 12

// maxLabelLen is the longest label a length byte may announce.  Values with
// either of the top two bits set are pointers or reserved forms.
const maxLabelLen = 63

// DNS returns the first question name of the DNS message in msg, or "" if the
// message has no question, the name is compressed, or any length overruns msg.
func DNS(msg []byte) (name string) {
	if len(msg) <= dnsHeaderLen {
		return ""
	}

	if binary.BigEndian.Uint16(msg[4:6]) == 0 {
		// QDCOUNT
		return ""
	}

	buf := make([]byte, 0, 64)
	off := dnsHeaderLen
	for off < len(msg) {
		l := int(msg[off])
		off++

		if l == 0 {
			return finish(buf)
		} else if l > maxLabelLen {
			return ""
		}

		end := off + l
		if end > len(msg) {
			return ""
		}

		label := msg[off:end]
		for _, c := range label {
			if c == '.' {
				return ""
			}
		}

		if len(buf) > 0 {
			buf = append(buf, '.')
		}
		buf = append(buf, label...)
		if len(buf) > domain.MaxLen {
			return ""
		}

		off = end
	}

	// Ran out of bytes before the terminating zero label.
	return ""
}
