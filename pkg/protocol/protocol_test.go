package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlPacketRoundTrip(t *testing.T) {
	sid := GenerateStreamID()

	packets := []ControlPacket{
		NewInit(sid),
		NewData(sid, []byte("hello world")),
		NewRefused(sid),
		NewEnd(sid),
		NewPing(""),
		NewPing("some-reconnect-token"),
	}

	for _, p := range packets {
		data := p.Serialize()
		decoded, err := Deserialize(data)
		require.NoError(t, err, "packet %s", p.Kind)
		assert.Equal(t, p.Kind, decoded.Kind)
		if p.Kind != PacketPing {
			assert.Equal(t, p.Stream, decoded.Stream)
		}
		if p.Kind == PacketData {
			assert.Equal(t, p.Data, decoded.Data)
		}
		assert.Equal(t, p.Token, decoded.Token)
	}
}

func TestDataPacketEmptyPayload(t *testing.T) {
	sid := GenerateStreamID()
	data := NewData(sid, nil).Serialize()
	require.Len(t, data, 9)

	decoded, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, PacketData, decoded.Kind)
	assert.Empty(t, decoded.Data)
}

func TestDeserializeRejectsShortFrames(t *testing.T) {
	for n := 0; n < 9; n++ {
		_, err := Deserialize(make([]byte, n))
		assert.ErrorIs(t, err, ErrShortFrame, "length %d", n)
	}
}

func TestDeserializeRejectsUnknownTag(t *testing.T) {
	frame := make([]byte, 9)
	frame[0] = 0x7F
	_, err := Deserialize(frame)
	require.Error(t, err)
}

func TestPingSentinels(t *testing.T) {
	bare := NewPing("").Serialize()
	require.Len(t, bare, 9)
	assert.Equal(t, byte(PacketPing), bare[0])
	assert.Equal(t, EmptyStream[:], bare[1:9])

	withToken := NewPing("tok").Serialize()
	require.Len(t, withToken, 12)
	assert.Equal(t, TokenStream[:], withToken[1:9])
	assert.Equal(t, "tok", string(withToken[9:]))
}

func TestStreamIDUniqueness(t *testing.T) {
	const n = 100_000
	seen := make(map[StreamID]struct{}, n)
	for i := 0; i < n; i++ {
		id := GenerateStreamID()
		_, dup := seen[id]
		require.False(t, dup, "stream id collision after %d draws", i)
		seen[id] = struct{}{}
	}
}

func TestClientIDFromKey(t *testing.T) {
	key := &SecretKey{Key: "k1"}
	sum := sha256.Sum256([]byte("k1"))
	want := ClientID(base64.StdEncoding.EncodeToString(sum[:]))

	assert.Equal(t, want, key.ClientID())
	// deterministic
	assert.Equal(t, key.ClientID(), key.ClientID())
}

func TestCanonicalizeSubDomain(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"foo", "foo", true},
		{"Foo", "foo", true},
		{"foo-bar", "foo-bar", true},
		{"FOO-BAR-9", "foo-bar-9", true},
		{"foo_bar", "", false},
		{"foo.bar", "", false},
		{"", "", false},
		{"-foo", "", false},
		{"foo-", "", false},
	}

	for _, tc := range cases {
		got, err := CanonicalizeSubDomain(tc.in)
		if tc.ok {
			require.NoError(t, err, "input %q", tc.in)
			assert.Equal(t, tc.want, got)
		} else {
			assert.Error(t, err, "input %q", tc.in)
		}
	}
}

func TestGenerateRandomSubDomain(t *testing.T) {
	for i := 0; i < 100; i++ {
		sub, err := GenerateRandomSubDomain()
		require.NoError(t, err)
		require.Len(t, sub, 8)

		canon, err := CanonicalizeSubDomain(sub)
		require.NoError(t, err)
		assert.Equal(t, sub, canon)
	}
}

func TestNewClientHello(t *testing.T) {
	sub := "my-app"
	hello := NewClientHello(&sub, &SecretKey{Key: "k1"})
	assert.Equal(t, ClientTypeAuth, hello.ClientType)
	require.NotNil(t, hello.SubDomain)
	assert.Equal(t, "my-app", *hello.SubDomain)

	anon := NewClientHello(nil, nil)
	assert.Equal(t, ClientTypeAnonymous, anon.ClientType)
	assert.Nil(t, anon.SecretKey)

	reconnect := NewReconnectHello("token")
	assert.Equal(t, ClientTypeAnonymous, reconnect.ClientType)
	require.NotNil(t, reconnect.ReconnectToken)
	assert.Equal(t, ReconnectToken("token"), *reconnect.ReconnectToken)
}
