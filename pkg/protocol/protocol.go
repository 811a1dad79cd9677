package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ClientID is an opaque printable client identifier. Authenticated clients
// derive it from their secret key; anonymous clients get a random one.
type ClientID string

// GenerateClientID creates a new random client ID (32 random bytes,
// URL-safe base64 without padding)
func GenerateClientID() ClientID {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return ClientID(base64.RawURLEncoding.EncodeToString(b))
}

// String returns the string representation of the client ID
func (c ClientID) String() string {
	return string(c)
}

// SecretKey is the API authentication credential
type SecretKey struct {
	Key string `json:"key"`
}

const secretKeyLength = 22

// GenerateSecretKey creates a new random secret key
func GenerateSecretKey() (*SecretKey, error) {
	b := make([]byte, secretKeyLength)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return &SecretKey{
		Key: base64.URLEncoding.EncodeToString(b),
	}, nil
}

// ClientID derives the client ID from the secret key: base64(SHA-256(key)).
// The same key always maps to the same client.
func (s *SecretKey) ClientID() ClientID {
	hash := sha256.Sum256([]byte(s.Key))
	return ClientID(base64.StdEncoding.EncodeToString(hash[:]))
}

// ReconnectToken is an opaque, server-minted capability that lets a client
// re-claim its subdomain after a disconnect. Only the server can mint or
// verify one.
type ReconnectToken string

// ClientType discriminates how a client authenticates
type ClientType string

const (
	ClientTypeAuth      ClientType = "auth"
	ClientTypeAnonymous ClientType = "anonymous"
)

// ClientHello is the first message over a fresh control connection
type ClientHello struct {
	ID             ClientID        `json:"id"`
	SubDomain      *string         `json:"sub_domain,omitempty"`
	ClientType     ClientType      `json:"client_type"`
	SecretKey      *SecretKey      `json:"secret_key,omitempty"`
	ReconnectToken *ReconnectToken `json:"reconnect_token,omitempty"`
}

// NewClientHello creates a client hello for a new connection
func NewClientHello(subDomain *string, secretKey *SecretKey) *ClientHello {
	hello := &ClientHello{
		ID:        GenerateClientID(),
		SubDomain: subDomain,
	}

	if secretKey != nil {
		hello.ClientType = ClientTypeAuth
		hello.SecretKey = secretKey
	} else {
		hello.ClientType = ClientTypeAnonymous
	}

	return hello
}

// NewReconnectHello creates a client hello that presents a reconnect token
func NewReconnectHello(token ReconnectToken) *ClientHello {
	return &ClientHello{
		ID:             GenerateClientID(),
		ClientType:     ClientTypeAnonymous,
		ReconnectToken: &token,
	}
}

// ServerHelloType discriminates the server's handshake verdict
type ServerHelloType string

const (
	ServerHelloSuccess          ServerHelloType = "success"
	ServerHelloSubDomainInUse   ServerHelloType = "sub_domain_in_use"
	ServerHelloInvalidSubDomain ServerHelloType = "invalid_sub_domain"
	ServerHelloAuthFailed       ServerHelloType = "auth_failed"
	ServerHelloError            ServerHelloType = "error"
)

// ServerHello is the server's response to a client hello
type ServerHello struct {
	Type      ServerHelloType `json:"type"`
	SubDomain string          `json:"sub_domain,omitempty"`
	Hostname  string          `json:"hostname,omitempty"`
	ClientID  ClientID        `json:"client_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewSuccessHello creates a success server hello
func NewSuccessHello(subDomain, hostname string, clientID ClientID) *ServerHello {
	return &ServerHello{
		Type:      ServerHelloSuccess,
		SubDomain: subDomain,
		Hostname:  hostname,
		ClientID:  clientID,
	}
}

// NewErrorHello creates a failure server hello
func NewErrorHello(helloType ServerHelloType, errorMsg string) *ServerHello {
	return &ServerHello{
		Type:  helloType,
		Error: errorMsg,
	}
}

// StreamID identifies one multiplexed public connection on the control
// channel. It is serialized inline in every control frame.
type StreamID [8]byte

// Reserved sentinel stream IDs carried by Ping frames.
var (
	// EmptyStream marks a bare ping with no token payload
	EmptyStream = StreamID{0x0F, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	// TokenStream marks a ping whose payload is a reconnect token
	TokenStream = StreamID{0x0F, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
)

// GenerateStreamID creates a new random stream ID
func GenerateStreamID() StreamID {
	var id StreamID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return id
}

// String returns a log-friendly representation of the stream ID
func (s StreamID) String() string {
	return "stream_" + base64.RawURLEncoding.EncodeToString(s[:])
}

// PacketKind is the one-byte tag of a control frame
type PacketKind byte

const (
	PacketInit    PacketKind = 0x01
	PacketData    PacketKind = 0x02
	PacketRefused PacketKind = 0x03
	PacketEnd     PacketKind = 0x04
	PacketPing    PacketKind = 0x05
)

// String names the packet kind for logging
func (k PacketKind) String() string {
	switch k {
	case PacketInit:
		return "INIT"
	case PacketData:
		return "DATA"
	case PacketRefused:
		return "REFUSED"
	case PacketEnd:
		return "END"
	case PacketPing:
		return "PING"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(k))
	}
}

// ControlPacket is one binary frame on the control channel:
// tag(1) || stream_id(8) || payload. Data carries raw stream bytes; Ping
// optionally carries a reconnect token, signalled by the TokenStream
// sentinel in the stream id slot.
type ControlPacket struct {
	Kind   PacketKind
	Stream StreamID
	Data   []byte
	Token  ReconnectToken
}

// NewInit creates a stream-init packet
func NewInit(sid StreamID) ControlPacket {
	return ControlPacket{Kind: PacketInit, Stream: sid}
}

// NewData creates a data packet carrying raw stream bytes
func NewData(sid StreamID, data []byte) ControlPacket {
	return ControlPacket{Kind: PacketData, Stream: sid, Data: data}
}

// NewRefused creates a stream-refused packet
func NewRefused(sid StreamID) ControlPacket {
	return ControlPacket{Kind: PacketRefused, Stream: sid}
}

// NewEnd creates a stream-end packet
func NewEnd(sid StreamID) ControlPacket {
	return ControlPacket{Kind: PacketEnd, Stream: sid}
}

// NewPing creates a ping packet, optionally carrying a reconnect token
func NewPing(token ReconnectToken) ControlPacket {
	return ControlPacket{Kind: PacketPing, Token: token}
}

// frame layout: one tag byte followed by the 8-byte stream id
const headerLen = 9

// ErrShortFrame is returned for frames shorter than tag + stream id
var ErrShortFrame = errors.New("short control frame: missing stream id")

// Serialize encodes the packet into its wire form
func (p ControlPacket) Serialize() []byte {
	switch p.Kind {
	case PacketInit, PacketRefused, PacketEnd:
		buf := make([]byte, headerLen)
		buf[0] = byte(p.Kind)
		copy(buf[1:], p.Stream[:])
		return buf

	case PacketData:
		buf := make([]byte, headerLen+len(p.Data))
		buf[0] = byte(PacketData)
		copy(buf[1:], p.Stream[:])
		copy(buf[headerLen:], p.Data)
		return buf

	case PacketPing:
		if p.Token == "" {
			buf := make([]byte, headerLen)
			buf[0] = byte(PacketPing)
			copy(buf[1:], EmptyStream[:])
			return buf
		}
		buf := make([]byte, headerLen+len(p.Token))
		buf[0] = byte(PacketPing)
		copy(buf[1:], TokenStream[:])
		copy(buf[headerLen:], p.Token)
		return buf

	default:
		panic(fmt.Sprintf("cannot serialize unknown packet kind 0x%02x", byte(p.Kind)))
	}
}

// Deserialize decodes a control frame. Frames shorter than 9 bytes and
// unknown tags are protocol errors.
func Deserialize(data []byte) (ControlPacket, error) {
	if len(data) < headerLen {
		return ControlPacket{}, ErrShortFrame
	}

	var sid StreamID
	copy(sid[:], data[1:headerLen])

	switch PacketKind(data[0]) {
	case PacketInit:
		return ControlPacket{Kind: PacketInit, Stream: sid}, nil
	case PacketData:
		payload := make([]byte, len(data)-headerLen)
		copy(payload, data[headerLen:])
		return ControlPacket{Kind: PacketData, Stream: sid, Data: payload}, nil
	case PacketRefused:
		return ControlPacket{Kind: PacketRefused, Stream: sid}, nil
	case PacketEnd:
		return ControlPacket{Kind: PacketEnd, Stream: sid}, nil
	case PacketPing:
		if sid == TokenStream {
			return ControlPacket{Kind: PacketPing, Token: ReconnectToken(data[headerLen:])}, nil
		}
		return ControlPacket{Kind: PacketPing}, nil
	default:
		return ControlPacket{}, fmt.Errorf("invalid control byte 0x%02x in frame", data[0])
	}
}

// CanonicalizeSubDomain lowercases and validates a requested subdomain.
// Only [a-z0-9-] labels up to 63 characters are accepted; hyphens cannot
// lead or trail.
func CanonicalizeSubDomain(subDomain string) (string, error) {
	sub := strings.ToLower(subDomain)

	if len(sub) == 0 {
		return "", fmt.Errorf("subdomain cannot be empty")
	}

	if len(sub) > 63 {
		return "", fmt.Errorf("subdomain too long (max 63 characters)")
	}

	for i, c := range sub {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-') {
			return "", fmt.Errorf("subdomain contains invalid character: %c", c)
		}
		if c == '-' && (i == 0 || i == len(sub)-1) {
			return "", fmt.Errorf("subdomain cannot start or end with hyphen")
		}
	}

	return sub, nil
}

const subDomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateRandomSubDomain generates a random 8-character lowercase
// alphanumeric subdomain
func GenerateRandomSubDomain() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random subdomain: %w", err)
	}
	for i := range b {
		b[i] = subDomainAlphabet[int(b[i])%len(subDomainAlphabet)]
	}
	return string(b), nil
}
