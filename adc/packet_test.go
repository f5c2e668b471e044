package adc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSIDRoundTrip(t *testing.T) {
	var sid SID
	copy(sid[:], []byte{1, 2, 3, 4})
	s := sid.String()
	require.Len(t, s, 4, "SID string should be 4 chars")
	var got SID
	require.NoError(t, got.UnmarshalAdc([]byte(s)))
	assert.Equal(t, sid, got)
}

func TestCIDRoundTrip(t *testing.T) {
	var cid CID
	for i := range cid {
		cid[i] = byte(i * 7)
	}
	s := cid.String()
	var got CID
	require.NoError(t, got.UnmarshalAdc([]byte(s)))
	assert.Equal(t, cid, got)
}

func TestSIDZeroIsZero(t *testing.T) {
	assert.True(t, SIDZero.IsZero())
	var sid SID
	copy(sid[:], []byte{1, 0, 0, 0})
	assert.False(t, sid.IsZero(), "non-zero SID incorrectly reported IsZero")
}

func TestPacketParseMarshalRoundTrip(t *testing.T) {
	var from SID
	copy(from[:], []byte{1, 1, 1, 1})

	msg := ChatMessage{Text: "hello there", ThirdPerson: true}
	p := &Packet{Class: ClassBroadcast, Name: CmdMSG, From: from}
	line := p.Marshal(msg)

	parsed, err := ParsePacket(line)
	require.NoError(t, err)
	require.Equal(t, ClassBroadcast, parsed.Class)
	require.Equal(t, CmdMSG, parsed.Name)
	assert.Equal(t, from, parsed.From)

	out, err := parsed.Decode()
	require.NoError(t, err)
	got, ok := out.(*ChatMessage)
	require.True(t, ok, "Decode returned %T, want *ChatMessage", out)
	assert.Equal(t, msg.Text, got.Text)
	assert.Equal(t, msg.ThirdPerson, got.ThirdPerson)
}

func TestClassValid(t *testing.T) {
	for _, c := range []Class{ClassBroadcast, ClassDirect, ClassEcho, ClassFeature, ClassHub, ClassInfo, ClassClient, ClassUDP} {
		assert.True(t, c.Valid(), "Class %q should be valid", byte(c))
	}
	assert.False(t, Class('Z').Valid(), "Class 'Z' should not be valid")
}

func TestParsePacketRejectsShortLine(t *testing.T) {
	_, err := ParsePacket([]byte("BI"))
	assert.Error(t, err, "expected error for too-short line")
}

func TestParsePacketRejectsBadHeader(t *testing.T) {
	_, err := ParsePacket([]byte("BXINF "))
	assert.Error(t, err, "expected error for missing '-' separator")
}

func TestParamsTokensOrderIsStable(t *testing.T) {
	p := NewParams()
	p.Add("SL", "5")
	p.Add("DE", "desc")
	toks := p.Tokens(wireOrder[CmdINF])
	require.NotEmpty(t, toks)
	joined := bytes.Join(toBytes(toks), []byte(" "))
	require.NotEmpty(t, joined)
	// INF's wire order puts DE before SL, whatever order they were added in.
	assert.Equal(t, "DEdesc SL5", string(joined))
}

func toBytes(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}
