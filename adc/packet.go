package adc

import (
	"bytes"
	"fmt"
)

// Packet is one parsed ADC line: class, command name, addressing, and the
// still-undecoded parameter tokens. Decode() turns it into a concrete
// Message.
type Packet struct {
	Class   Class
	Name    FourCC
	From    SID   // set for B/D/E/F
	To      SID   // set for D/E
	Feature string // set for F, e.g. "+TCP4-NAT0"
	Params  Params
	raw     []byte
}

// ParsePacket decodes one already-unframed, already-inflated ADC line
// (without the trailing separator) into a Packet.
func ParsePacket(line []byte) (*Packet, error) {
	if len(line) < 5 {
		return nil, fmt.Errorf("adc: line too short: %q", line)
	}
	class := Class(line[0])
	if !class.Valid() {
		return nil, fmt.Errorf("adc: unknown class %q", line[0])
	}
	if line[1] != '-' {
		return nil, fmt.Errorf("adc: malformed header: %q", line)
	}
	if len(line) < 5 || line[5-1] != ' ' && len(line) != 5 {
		// allow a bare header with no params, e.g. "ISTA..." always has params
	}
	name := string(line[2:5])
	rest := line[5:]
	if len(rest) > 0 {
		if rest[0] != ' ' {
			return nil, fmt.Errorf("adc: malformed header: %q", line)
		}
		rest = rest[1:]
	}
	toks := splitTokens(string(rest))

	p := &Packet{Class: class, Name: FourCC(name), raw: line}
	i := 0
	switch class {
	case ClassBroadcast, ClassDirect, ClassEcho, ClassFeature:
		if i >= len(toks) {
			return nil, fmt.Errorf("adc: %s: missing FROM", name)
		}
		if err := p.From.UnmarshalAdc([]byte(toks[i])); err != nil {
			return nil, err
		}
		i++
		if class == ClassDirect || class == ClassEcho {
			if i >= len(toks) {
				return nil, fmt.Errorf("adc: %s: missing TO", name)
			}
			if err := p.To.UnmarshalAdc([]byte(toks[i])); err != nil {
				return nil, err
			}
			i++
		}
		if class == ClassFeature {
			if i >= len(toks) {
				return nil, fmt.Errorf("adc: %s: missing feature selector", name)
			}
			p.Feature = toks[i]
			i++
		}
	}
	p.Params = ParseParams(toks[i:])
	return p, nil
}

// Matches reports whether the packet carries the given command name.
func (p *Packet) Matches(name FourCC) bool { return p.Name == name }

// Decode unmarshals the packet's params into a Message for its command.
func (p *Packet) Decode() (Message, error) {
	var m Message
	switch p.Name {
	case CmdSUP:
		m = &Supported{}
	case CmdSID:
		m = &SIDAssign{}
	case CmdINF:
		m = &UserInfo{}
	case CmdMSG:
		m = &ChatMessage{}
	case CmdQUI:
		m = &Disconnect{}
	case CmdCTM, CmdRCM:
		m = &ConnectRequest{}
	case CmdNAT, CmdRNT:
		m = &NatTraversal{}
	case CmdSCH:
		m = &SearchRequest{}
	case CmdRES:
		m = &SearchResult{}
	case CmdSTA:
		m = &Status{}
	case CmdPAS:
		m = &Password{}
	case CmdGPA:
		m = &GetPassword{}
	case CmdCMD:
		m = &UserCommand{}
	case CmdTCP:
		m = &HBRIRequest{}
	case CmdGET:
		m = &BloomGet{}
	case CmdSND:
		m = &BloomSet{}
	default:
		return nil, fmt.Errorf("adc: unknown command: %s", p.Name)
	}
	if err := m.Unmarshal(p.Params); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeTo unmarshals the packet's params into a caller-provided Message,
// for cases where the caller already knows (and asserts) the shape.
func (p *Packet) DecodeTo(m Message) error {
	return m.Unmarshal(p.Params)
}

// WireOrder lists the named-key emission order the teacher's wire traces
// use for each command, purely cosmetic but kept stable for golden tests.
var wireOrder = map[FourCC][]string{
	CmdINF: {"ID", "PD", "NI", "DE", "VE", "AP", "SL", "FS", "SS", "SF", "EM",
		"HN", "HR", "HO", "SU", "DS", "US", "KP", "I4", "I6", "U4", "U6"},
	CmdSCH: {"AN", "NO", "EX", "GR", "RX", "TR", "GE", "LE", "EQ", "TY", "NT",
		"OT", "KY", "TO", "PA", "RE", "PP", "MT", "MR"},
}

// Marshal renders the packet back to a wire line (without the trailing
// separator), escaping payloads and emitting headers per class.
func (p *Packet) Marshal(msg Message) []byte {
	name := p.Name
	if name == "" {
		name = msg.Cmd()
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(p.Class))
	buf.WriteByte('-')
	buf.WriteString(string(name))
	switch p.Class {
	case ClassBroadcast, ClassDirect, ClassEcho, ClassFeature:
		buf.WriteByte(' ')
		buf.WriteString(p.From.String())
		if p.Class == ClassDirect || p.Class == ClassEcho {
			buf.WriteByte(' ')
			buf.WriteString(p.To.String())
		}
		if p.Class == ClassFeature {
			buf.WriteByte(' ')
			buf.WriteString(p.Feature)
		}
	}
	params := msg.Marshal()
	toks := params.Tokens(wireOrder[name])
	for _, t := range toks {
		buf.WriteByte(' ')
		buf.WriteString(t)
	}
	return buf.Bytes()
}
