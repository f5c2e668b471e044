// Package adc implements the ADC hub-and-peer wire protocol: framing,
// escaping, message encoding and the buffered line/zpipe/binary socket that
// the hub session and peer-connection layers run on top of.
package adc

import (
	"encoding/base32"
	"fmt"

	"github.com/direct-connect/go-dc/tiger"
)

// sidAlphabet is the 32-symbol alphabet ADC uses for SID tokens: each byte
// of the SID maps to exactly one wire character (not bit-packed the way
// CID/PID are), which is why a 4-byte SID is always a 4-character token.
const sidAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

var sidAlphaIdx [256]int8

func init() {
	for i := range sidAlphaIdx {
		sidAlphaIdx[i] = -1
	}
	for i := 0; i < len(sidAlphabet); i++ {
		sidAlphaIdx[sidAlphabet[i]] = int8(i)
	}
}

// b32 is the RFC4648 base32 alphabet without padding, as used on the ADC
// wire for CID/PID tokens.
var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// SID is a 32-bit hub-scoped session identifier, base32-encoded in 4 chars
// on the wire. SIDZero (AAAA) is reserved for the hub itself.
type SID [4]byte

func (s SID) IsZero() bool { return s == SID{} }

func (s SID) String() string {
	out := make([]byte, 4)
	for i, b := range s {
		out[i] = sidAlphabet[b&0x1f]
	}
	return string(out)
}

func (s *SID) UnmarshalAdc(b []byte) error {
	if len(b) != 4 {
		return fmt.Errorf("adc: bad SID %q: expected 4 chars", b)
	}
	for i, c := range b {
		v := sidAlphaIdx[c]
		if v < 0 {
			return fmt.Errorf("adc: bad SID %q: invalid character %q", b, c)
		}
		s[i] = byte(v)
	}
	return nil
}

// CID is a 24-byte client identifier, base32-encoded at the wire.
type CID [24]byte

func (c CID) IsZero() bool { return c == CID{} }

func (c CID) String() string {
	return b32.EncodeToString(c[:])
}

func (c *CID) UnmarshalAdc(b []byte) error {
	n := b32.DecodedLen(len(b))
	if n < 24 {
		return fmt.Errorf("adc: bad CID %q: too short", b)
	}
	out := make([]byte, n)
	if _, err := b32.Decode(out, b); err != nil {
		return fmt.Errorf("adc: bad CID %q: %w", b, err)
	}
	copy(c[:], out[:24])
	return nil
}

// PID is a 24-byte private identifier; Tiger(PID) == CID. Never transmitted
// except once, during login.
type PID = CID

// TTH is a Tiger Tree Hash value, used to identify file contents.
type TTH = tiger.Hash

// SIDZero is the SID reserved for the hub itself.
var SIDZero SID

// HashPID derives the CID that corresponds to a given PID: CID = Tiger(PID).
func HashPID(pid PID) CID {
	h := tiger.HashBytes(pid[:])
	var cid CID
	copy(cid[:], h[:])
	return cid
}

// Class is the ADC message class, the first character of a command header.
type Class byte

const (
	ClassBroadcast Class = 'B'
	ClassDirect    Class = 'D'
	ClassEcho      Class = 'E'
	ClassFeature   Class = 'F'
	ClassHub       Class = 'H'
	ClassInfo      Class = 'I'
	ClassClient    Class = 'C'
	ClassUDP       Class = 'U'
)

func (c Class) Valid() bool {
	switch c {
	case ClassBroadcast, ClassDirect, ClassEcho, ClassFeature,
		ClassHub, ClassInfo, ClassClient, ClassUDP:
		return true
	}
	return false
}

// FourCC is the three-character ASCII command name that follows the class
// character in a header, e.g. "INF", "SCH".
type FourCC string

const (
	CmdSUP FourCC = "SUP"
	CmdINF FourCC = "INF"
	CmdSCH FourCC = "SCH"
	CmdCTM FourCC = "CTM"
	CmdRCM FourCC = "RCM"
	CmdMSG FourCC = "MSG"
	CmdSTA FourCC = "STA"
	CmdCMD FourCC = "CMD"
	CmdQUI FourCC = "QUI"
	CmdGPA FourCC = "GPA"
	CmdPAS FourCC = "PAS"
	CmdSID FourCC = "SID"
	CmdGET FourCC = "GET"
	CmdSND FourCC = "SND"
	CmdNAT FourCC = "NAT"
	CmdRNT FourCC = "RNT"
	CmdRES FourCC = "RES"
	CmdPSR FourCC = "PSR"
	CmdPBD FourCC = "PBD"
	CmdUBD FourCC = "UBD"
	CmdUBN FourCC = "UBN"
	CmdTCP FourCC = "TCP"
	CmdZON FourCC = "ZON"
	CmdZOF FourCC = "ZOF"
)

// Feature is a 4-char ADC extension/support token, e.g. "BASE", "TIGR".
type Feature string

const (
	FeaBASE Feature = "BASE"
	FeaBAS0 Feature = "BAS0"
	FeaTIGR Feature = "TIGR"
	FeaUCM0 Feature = "UCM0"
	FeaBLO0 Feature = "BLO0"
	FeaZLIF Feature = "ZLIF"
	FeaHBRI Feature = "HBRI"
	FeaSEGA Feature = "SEGA"
	FeaADC0 Feature = "ADC0" // TLS
	FeaCCPM Feature = "CCPM"
	FeaSUD1 Feature = "SUD1"
	FeaTCP4 Feature = "TCP4"
	FeaTCP6 Feature = "TCP6"
	FeaUDP4 Feature = "UDP4"
	FeaUDP6 Feature = "UDP6"
	FeaNAT0 Feature = "NAT0"
	FeaASCH Feature = "ASCH"
	FeaPING Feature = "PING"
	FeaBZIP Feature = "BZIP"
)

// Protocol identifiers used in CTM/RCM/NAT/RNT.
const (
	ProtoADC  = "ADC/1.0"
	ProtoADCS = "ADCS/0.10"
)

// Severity is the STA message severity class.
type Severity int

const (
	Success     Severity = 0
	Recoverable Severity = 1
	Fatal       Severity = 2
)

// Status error codes used by STA, as referenced in spec.md §4.D/§7.
const (
	ErrGeneric             = 0
	ErrLoginGeneric        = 20
	ErrNickTaken           = 22
	ErrBadPassword         = 23
	ErrCIDTaken            = 24
	ErrCommandAccess       = 27
	ErrBannedGeneric       = 30
	ErrProtocolUnsupported = 40
	ErrTransferGeneric     = 51
	ErrHBRITimeout         = 61
	ErrBadState            = 62
)
