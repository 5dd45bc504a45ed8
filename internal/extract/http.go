package extract

import "bytes"

var hostPrefix = []byte("Host: ")

// HTTP returns the value of the first "Host: " header found in payload, with
// any port stripped.  The match is case-sensitive and the payload is not
// otherwise parsed.
func HTTP(payload []byte) (host string) {
	i := bytes.Index(payload, hostPrefix)
	if i < 0 {
		return ""
	}

	v := payload[i+len(hostPrefix):]
	if end := bytes.IndexAny(v, "\r\n"); end >= 0 {
		v = v[:end]
	}

	if colon := bytes.IndexByte(v, ':'); colon >= 0 {
		v = v[:colon]
	}

	return finish(v)
}
