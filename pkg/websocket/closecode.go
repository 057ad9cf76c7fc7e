package websocket

import "fmt"

// CloseCode is the 16-bit status code carried in a Close frame's payload,
// per https://datatracker.ietf.org/doc/html/rfc6455#section-7.4.
type CloseCode uint16

// Close codes defined by RFC 6455 section 7.4.1. Codes in the 1004-1006
// and 1015 range are reserved for use by implementations internally
// (e.g. to report abnormal closure) and MUST NOT appear on the wire.
const (
	CloseNormal             CloseCode = 1000
	CloseGoingAway          CloseCode = 1001
	CloseProtocolError      CloseCode = 1002
	CloseUnsupportedData    CloseCode = 1003
	closeReservedNoStatus   CloseCode = 1005
	closeReservedAbnormal   CloseCode = 1006
	CloseInvalidPayloadData CloseCode = 1007
	ClosePolicyViolation    CloseCode = 1008
	CloseMessageTooBig      CloseCode = 1009
	CloseExtensionRequired  CloseCode = 1010
	CloseUnexpectedError    CloseCode = 1011
	closeReservedTLS        CloseCode = 1015
)

// IsValidToSend reports whether code is legal to place in an outbound
// Close frame. This excludes the reserved range (1004-1006, 1015) and the
// other never-defined values in 1012-1014 and 1016-2999, per spec.md §6.
func (c CloseCode) IsValidToSend() bool {
	switch {
	case c >= 1000 && c <= 1003:
		return true
	case c == closeReservedNoStatus, c == closeReservedAbnormal, c == closeReservedTLS:
		return false
	case c >= 1007 && c <= 1011:
		return true
	case c >= 1012 && c <= 2999:
		return false
	case c >= 3000 && c <= 4999:
		return true
	default:
		return false
	}
}

// IsValidToReceive reports whether code is an acceptable value in an
// inbound Close frame's payload. Grounded on the same reserved/defined
// distinction gobwas/ws's StatusCode checks encode.
func (c CloseCode) IsValidToReceive() bool {
	return c.IsValidToSend()
}

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal closure"
	case CloseGoingAway:
		return "going away"
	case CloseProtocolError:
		return "protocol error"
	case CloseUnsupportedData:
		return "unsupported data"
	case CloseInvalidPayloadData:
		return "invalid payload data"
	case ClosePolicyViolation:
		return "policy violation"
	case CloseMessageTooBig:
		return "message too big"
	case CloseExtensionRequired:
		return "extension required"
	case CloseUnexpectedError:
		return "unexpected condition"
	default:
		return fmt.Sprintf("close code %d", uint16(c))
	}
}
