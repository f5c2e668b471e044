package adc

import (
	"fmt"
	"strconv"
)

// Params is the decoded parameter list of one ADC command: unnamed
// positional tokens in order, plus named (two-char key) tokens which may
// repeat (e.g. SCH's AN/NO/EX).
type Params struct {
	Pos   []string
	Named map[string][]string
}

func NewParams() Params {
	return Params{Named: make(map[string][]string)}
}

func (p *Params) AddPos(v string) { p.Pos = append(p.Pos, v) }

func (p *Params) Add(key, v string) {
	if p.Named == nil {
		p.Named = make(map[string][]string)
	}
	p.Named[key] = append(p.Named[key], v)
}

func (p Params) Get(key string) (string, bool) {
	v, ok := p.Named[key]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

func (p Params) GetAll(key string) []string { return p.Named[key] }

func (p Params) GetDefault(key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

func (p Params) GetInt(key string) (int, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (p Params) GetInt64(key string) (int64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Tokens renders the params back to wire tokens (escaped): positionals
// first, then the named keys listed in order, in that order, then any other
// named keys in unspecified (map iteration) order.
func (p Params) Tokens(order []string) []string {
	toks := make([]string, 0, len(p.Pos)+len(p.Named))
	for _, v := range p.Pos {
		toks = append(toks, Escape(v))
	}
	seen := make(map[string]bool, len(order))
	for _, k := range order {
		for _, v := range p.Named[k] {
			toks = append(toks, k+Escape(v))
		}
		seen[k] = true
	}
	for k, vs := range p.Named {
		if seen[k] {
			continue
		}
		for _, v := range vs {
			toks = append(toks, k+Escape(v))
		}
	}
	return toks
}

// Message is any ADC payload that can be encoded to/decoded from Params.
type Message interface {
	Cmd() FourCC
	Marshal() Params
	Unmarshal(p Params) error
}

func ParseParams(toks []string) Params {
	p := NewParams()
	for _, t := range toks {
		if t == "" {
			p.AddPos("")
			continue
		}
		if len(t) >= 2 && isKeyChar(t[0]) && (isKeyChar(t[1]) || (t[1] >= '0' && t[1] <= '9')) {
			p.Add(t[:2], Unescape(t[2:]))
			continue
		}
		p.AddPos(Unescape(t))
	}
	return p
}

func isKeyChar(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

// --- concrete messages ---

// Supported is SUP: feature negotiation via AD/RM tokens.
type Supported struct {
	Features ModFeatures
	Add      []Feature
	Remove   []Feature
}

func (Supported) Cmd() FourCC { return CmdSUP }

func (m Supported) Marshal() Params {
	p := NewParams()
	for f, on := range m.Features {
		if on {
			p.Add("AD", string(f))
		}
	}
	for _, f := range m.Add {
		p.Add("AD", string(f))
	}
	for _, f := range m.Remove {
		p.Add("RM", string(f))
	}
	return p
}

func (m *Supported) Unmarshal(p Params) error {
	m.Features = make(ModFeatures)
	for _, f := range p.GetAll("AD") {
		m.Features[Feature(f)] = true
		m.Add = append(m.Add, Feature(f))
	}
	for _, f := range p.GetAll("RM") {
		m.Remove = append(m.Remove, Feature(f))
	}
	return nil
}

// SIDAssign is the hub's SID command, assigning a session ID.
type SIDAssign struct {
	SID SID
}

func (SIDAssign) Cmd() FourCC { return CmdSID }

func (m SIDAssign) Marshal() Params {
	p := NewParams()
	p.AddPos(m.SID.String())
	return p
}

func (m *SIDAssign) Unmarshal(p Params) error {
	if len(p.Pos) == 0 {
		return fmt.Errorf("adc: SID: missing session id")
	}
	return m.SID.UnmarshalAdc([]byte(p.Pos[0]))
}

// UserInfo is INF: the identity broadcast, for both hub and user rows.
type UserInfo struct {
	Id     CID
	Pid    *PID
	Name   string
	Desc   string
	Email  string
	Share  uint64
	Slots  int
	Application string
	Version     string
	Features    ExtFeatures
	Raw         map[string]string // every XXvalue token, for fields not otherwise modeled
}

func (UserInfo) Cmd() FourCC { return CmdINF }

func (m UserInfo) Marshal() Params {
	p := NewParams()
	if !m.Id.IsZero() {
		p.Add("ID", m.Id.String())
	}
	if m.Pid != nil {
		p.Add("PD", m.Pid.String())
	}
	if m.Name != "" {
		p.Add("NI", m.Name)
	}
	if m.Desc != "" {
		p.Add("DE", m.Desc)
	}
	if m.Email != "" {
		p.Add("EM", m.Email)
	}
	p.Add("SS", strconv.FormatUint(m.Share, 10))
	p.Add("SL", strconv.Itoa(m.Slots))
	if m.Application != "" {
		p.Add("AP", m.Application)
	}
	if m.Version != "" {
		p.Add("VE", m.Version)
	}
	if len(m.Features) > 0 {
		p.Add("SU", m.Features.String())
	}
	for k, v := range m.Raw {
		p.Add(k, v)
	}
	return p
}

func (m *UserInfo) Unmarshal(p Params) error {
	m.Raw = make(map[string]string)
	for k, vs := range p.Named {
		if len(vs) == 0 {
			continue
		}
		m.Raw[k] = vs[0]
	}
	if v, ok := p.Get("ID"); ok {
		if err := m.Id.UnmarshalAdc([]byte(v)); err != nil {
			return err
		}
	}
	if v, ok := p.Get("PD"); ok {
		var pid PID
		if err := pid.UnmarshalAdc([]byte(v)); err != nil {
			return err
		}
		m.Pid = &pid
	}
	m.Name = p.GetDefault("NI", m.Name)
	m.Desc = p.GetDefault("DE", m.Desc)
	m.Email = p.GetDefault("EM", m.Email)
	if v, ok := p.GetInt64("SS"); ok {
		m.Share = uint64(v)
	}
	if v, ok := p.GetInt("SL"); ok {
		m.Slots = v
	}
	m.Application = p.GetDefault("AP", m.Application)
	m.Version = p.GetDefault("VE", m.Version)
	if v, ok := p.Get("SU"); ok {
		m.Features = splitFeatures(v)
	}
	return nil
}

func splitFeatures(s string) ExtFeatures {
	var out ExtFeatures
	for i := 0; i+4 <= len(s); i += 4 {
		out = append(out, Feature(s[i:i+4]))
	}
	return out
}

// ChatMessage is MSG: chat text, possibly third-person or private.
type ChatMessage struct {
	Text        string
	ThirdPerson bool
	PM          *SID // set for private messages, the group CID/SID marker
	Timestamp   int64
}

func (ChatMessage) Cmd() FourCC { return CmdMSG }

func (m ChatMessage) Marshal() Params {
	p := NewParams()
	p.AddPos(m.Text)
	if m.ThirdPerson {
		p.Add("ME", "1")
	}
	if m.Timestamp != 0 {
		p.Add("TS", strconv.FormatInt(m.Timestamp, 10))
	}
	if m.PM != nil {
		p.Add("PM", m.PM.String())
	}
	return p
}

func (m *ChatMessage) Unmarshal(p Params) error {
	if len(p.Pos) > 0 {
		m.Text = p.Pos[0]
	}
	m.ThirdPerson = p.GetDefault("ME", "0") == "1"
	if v, ok := p.GetInt64("TS"); ok {
		m.Timestamp = v
	}
	if v, ok := p.Get("PM"); ok {
		var sid SID
		if err := sid.UnmarshalAdc([]byte(v)); err == nil {
			m.PM = &sid
		}
	}
	return nil
}

// Disconnect is QUI: a user has quit the hub.
type Disconnect struct {
	ID          SID
	TimeLeft    int
	DisableAuto bool
	Message     string
	Redirect    string
}

func (Disconnect) Cmd() FourCC { return CmdQUI }

func (m Disconnect) Marshal() Params {
	p := NewParams()
	p.AddPos(m.ID.String())
	if m.DisableAuto {
		p.Add("TL", "-1")
	} else if m.TimeLeft != 0 {
		p.Add("TL", strconv.Itoa(m.TimeLeft))
	}
	if m.Message != "" {
		p.Add("MS", m.Message)
	}
	if m.Redirect != "" {
		p.Add("RD", m.Redirect)
	}
	return p
}

func (m *Disconnect) Unmarshal(p Params) error {
	if len(p.Pos) > 0 {
		if err := m.ID.UnmarshalAdc([]byte(p.Pos[0])); err != nil {
			return err
		}
	}
	if v, ok := p.Get("TL"); ok {
		n, _ := strconv.Atoi(v)
		if n == -1 {
			m.DisableAuto = true
		}
		m.TimeLeft = n
	}
	m.Message = p.GetDefault("MS", "")
	m.Redirect = p.GetDefault("RD", "")
	return nil
}

// ConnectRequest is CTM/RCM: connect / reverse-connect to me.
type ConnectRequest struct {
	Proto string
	Port  int
	Token string
}

func (ConnectRequest) Cmd() FourCC { return CmdCTM }

func (m ConnectRequest) Marshal() Params {
	p := NewParams()
	p.AddPos(m.Proto)
	p.AddPos(strconv.Itoa(m.Port))
	p.AddPos(m.Token)
	return p
}

func (m *ConnectRequest) Unmarshal(p Params) error {
	if len(p.Pos) < 3 {
		return fmt.Errorf("adc: CTM/RCM: expected 3 params, got %d", len(p.Pos))
	}
	m.Proto = p.Pos[0]
	n, err := strconv.Atoi(p.Pos[1])
	if err != nil {
		return fmt.Errorf("adc: CTM/RCM: bad port: %w", err)
	}
	m.Port = n
	m.Token = p.Pos[2]
	return nil
}

// NatTraversal is NAT/RNT: NAT traversal round trip, spec.md §4.G.
type NatTraversal struct {
	Proto string
	Port  int
	Token string
}

func (NatTraversal) Cmd() FourCC { return CmdNAT }

func (m NatTraversal) Marshal() Params {
	p := NewParams()
	p.AddPos(m.Proto)
	p.AddPos(strconv.Itoa(m.Port))
	p.AddPos(m.Token)
	return p
}

func (m *NatTraversal) Unmarshal(p Params) error {
	if len(p.Pos) < 3 {
		return fmt.Errorf("adc: NAT/RNT: expected 3 params, got %d", len(p.Pos))
	}
	m.Proto = p.Pos[0]
	n, err := strconv.Atoi(p.Pos[1])
	if err != nil {
		return fmt.Errorf("adc: NAT/RNT: bad port: %w", err)
	}
	m.Port = n
	m.Token = p.Pos[2]
	return nil
}

// SearchRequest is SCH: a search, with extended ASCH fields.
type SearchRequest struct {
	And       []string
	Not       []string
	Ext       []string
	ExtGroup  int
	ExtGroupX []string
	TTH       string
	Ge, Le, Eq int64
	Type      int
	NewerThan int64
	OlderThan int64
	Key       string
	Token     string
	Path      string
	ReplyReq  bool
	MaxResults int
	MatchType  string
}

func (SearchRequest) Cmd() FourCC { return CmdSCH }

func (m SearchRequest) Marshal() Params {
	p := NewParams()
	for _, v := range m.And {
		p.Add("AN", v)
	}
	for _, v := range m.Not {
		p.Add("NO", v)
	}
	for _, v := range m.Ext {
		p.Add("EX", v)
	}
	if m.TTH != "" {
		p.Add("TR", m.TTH)
	}
	if m.Ge != 0 {
		p.Add("GE", strconv.FormatInt(m.Ge, 10))
	}
	if m.Le != 0 {
		p.Add("LE", strconv.FormatInt(m.Le, 10))
	}
	if m.Eq != 0 {
		p.Add("EQ", strconv.FormatInt(m.Eq, 10))
	}
	if m.Type != 0 {
		p.Add("TY", strconv.Itoa(m.Type))
	}
	if m.Token != "" {
		p.Add("TO", m.Token)
	}
	if m.Key != "" {
		p.Add("KY", m.Key)
	}
	return p
}

func (m *SearchRequest) Unmarshal(p Params) error {
	m.And = p.GetAll("AN")
	m.Not = p.GetAll("NO")
	m.Ext = p.GetAll("EX")
	m.TTH = p.GetDefault("TR", "")
	m.Ge, _ = p.GetInt64("GE")
	m.Le, _ = p.GetInt64("LE")
	m.Eq, _ = p.GetInt64("EQ")
	ty, _ := p.GetInt("TY")
	m.Type = ty
	m.NewerThan, _ = p.GetInt64("NT")
	m.OlderThan, _ = p.GetInt64("OT")
	m.Key = p.GetDefault("KY", "")
	m.Token = p.GetDefault("TO", "")
	m.Path = p.GetDefault("PA", "")
	m.ReplyReq = p.GetDefault("RE", "") == "1"
	m.MaxResults, _ = p.GetInt("MR")
	m.MatchType = p.GetDefault("MT", "")
	return nil
}

// SearchResult is RES: a search reply.
type SearchResult struct {
	File  string
	Size  int64
	Slots int
	TTH   string
	Token string
}

func (SearchResult) Cmd() FourCC { return CmdRES }

func (m SearchResult) Marshal() Params {
	p := NewParams()
	p.Add("FN", m.File)
	p.Add("SI", strconv.FormatInt(m.Size, 10))
	p.Add("SL", strconv.Itoa(m.Slots))
	if m.TTH != "" {
		p.Add("TR", m.TTH)
	}
	if m.Token != "" {
		p.Add("TO", m.Token)
	}
	return p
}

func (m *SearchResult) Unmarshal(p Params) error {
	m.File = p.GetDefault("FN", "")
	m.Size, _ = p.GetInt64("SI")
	m.Slots, _ = p.GetInt("SL")
	m.TTH = p.GetDefault("TR", "")
	m.Token = p.GetDefault("TO", "")
	return nil
}

// Status is STA: severity + numeric code + message, used for errors and acks.
type Status struct {
	Sev  Severity
	Code int
	Msg  string
	FC   string // offending FourCC, for ERROR_COMMAND_ACCESS
	PR   string
	TO   string
}

func (Status) Cmd() FourCC { return CmdSTA }

func (m Status) Ok() bool { return m.Sev == Success }

func (m Status) Err() error {
	if m.Ok() {
		return nil
	}
	return fmt.Errorf("adc status %d%02d: %s", m.Sev, m.Code, m.Msg)
}

func (m Status) Marshal() Params {
	p := NewParams()
	p.AddPos(fmt.Sprintf("%d%02d", m.Sev, m.Code))
	p.AddPos(m.Msg)
	if m.FC != "" {
		p.Add("FC", m.FC)
	}
	if m.PR != "" {
		p.Add("PR", m.PR)
	}
	if m.TO != "" {
		p.Add("TO", m.TO)
	}
	return p
}

func (m *Status) Unmarshal(p Params) error {
	if len(p.Pos) < 1 || len(p.Pos[0]) < 3 {
		return fmt.Errorf("adc: STA: malformed status code")
	}
	sev, err := strconv.Atoi(p.Pos[0][:1])
	if err != nil {
		return fmt.Errorf("adc: STA: bad severity: %w", err)
	}
	code, err := strconv.Atoi(p.Pos[0][1:])
	if err != nil {
		return fmt.Errorf("adc: STA: bad code: %w", err)
	}
	m.Sev = Severity(sev)
	m.Code = code
	if len(p.Pos) > 1 {
		m.Msg = p.Pos[1]
	}
	m.FC = p.GetDefault("FC", "")
	m.PR = p.GetDefault("PR", "")
	m.TO = p.GetDefault("TO", "")
	return nil
}

// Password is PAS: the GPA challenge-response.
type Password struct {
	Response string
}

func (Password) Cmd() FourCC { return CmdPAS }

func (m Password) Marshal() Params {
	p := NewParams()
	p.AddPos(m.Response)
	return p
}

func (m *Password) Unmarshal(p Params) error {
	if len(p.Pos) > 0 {
		m.Response = p.Pos[0]
	}
	return nil
}

// GetPassword is GPA: the hub's salt challenge.
type GetPassword struct {
	Salt string
}

func (GetPassword) Cmd() FourCC { return CmdGPA }

func (m GetPassword) Marshal() Params {
	p := NewParams()
	p.AddPos(m.Salt)
	return p
}

func (m *GetPassword) Unmarshal(p Params) error {
	if len(p.Pos) > 0 {
		m.Salt = p.Pos[0]
	}
	return nil
}

// UserCommand is CMD: a hub-defined menu entry.
type UserCommand struct {
	Type    string
	Context string
	Name    string
	Raw     string
	Remove  bool
	Sep     bool
}

func (UserCommand) Cmd() FourCC { return CmdCMD }

func (m UserCommand) Marshal() Params {
	p := NewParams()
	p.AddPos(m.Type)
	p.AddPos(m.Context)
	p.AddPos(m.Name)
	p.AddPos(m.Raw)
	if m.Remove {
		p.Add("RM", "1")
	}
	if m.Sep {
		p.Add("SP", "1")
	}
	return p
}

func (m *UserCommand) Unmarshal(p Params) error {
	if len(p.Pos) > 0 {
		m.Type = p.Pos[0]
	}
	if len(p.Pos) > 1 {
		m.Context = p.Pos[1]
	}
	if len(p.Pos) > 2 {
		m.Name = p.Pos[2]
	}
	if len(p.Pos) > 3 {
		m.Raw = p.Pos[3]
	}
	m.Remove = p.GetDefault("RM", "") == "1"
	m.Sep = p.GetDefault("SP", "") == "1"
	return nil
}

// HBRIRequest is the ITCP message the hub sends to request a reachability
// validation, and also the HTCP frame the validator itself sends.
type HBRIRequest struct {
	IP4, IP6 string
	Port4, Port6 int
	Token    string
}

func (HBRIRequest) Cmd() FourCC { return CmdTCP }

func (m HBRIRequest) Marshal() Params {
	p := NewParams()
	if m.IP4 != "" {
		p.Add("I4", m.IP4)
	}
	if m.IP6 != "" {
		p.Add("I6", m.IP6)
	}
	if m.Port4 != 0 {
		p.Add("P4", strconv.Itoa(m.Port4))
	}
	if m.Port6 != 0 {
		p.Add("P6", strconv.Itoa(m.Port6))
	}
	p.Add("TO", m.Token)
	return p
}

func (m *HBRIRequest) Unmarshal(p Params) error {
	m.IP4 = p.GetDefault("I4", "")
	m.IP6 = p.GetDefault("I6", "")
	m.Port4, _ = p.GetInt("P4")
	m.Port6, _ = p.GetInt("P6")
	m.Token = p.GetDefault("TO", "")
	return nil
}

// BloomGet is GET blom: the hub's bloom-filter parameter negotiation.
type BloomGet struct {
	K, H int
	M    int64
}

func (BloomGet) Cmd() FourCC { return CmdGET }

func (m BloomGet) Marshal() Params {
	p := NewParams()
	p.AddPos("blom")
	p.Add("BK", strconv.Itoa(m.K))
	p.Add("BH", strconv.Itoa(m.H))
	return p
}

func (m *BloomGet) Unmarshal(p Params) error {
	m.K, _ = p.GetInt("BK")
	m.H, _ = p.GetInt("BH")
	n, _ := p.GetInt64("BE")
	m.M = n
	return nil
}

// BloomSet is SND blom: the reply header preceding the raw byte vector.
type BloomSet struct {
	K, H int
	M    int64
}

func (BloomSet) Cmd() FourCC { return CmdSND }

func (m BloomSet) Marshal() Params {
	p := NewParams()
	p.AddPos("blom")
	p.Add("BK", strconv.Itoa(m.K))
	p.Add("BH", strconv.Itoa(m.H))
	p.Add("BE", strconv.FormatInt(m.M, 10))
	return p
}

func (m *BloomSet) Unmarshal(p Params) error {
	m.K, _ = p.GetInt("BK")
	m.H, _ = p.GetInt("BH")
	m.M, _ = p.GetInt64("BE")
	return nil
}
