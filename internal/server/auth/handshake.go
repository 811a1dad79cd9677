package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/pkg/protocol"
)

// PeerLookup reports which client (if any) the fleet currently serves a
// subdomain for. Used to enforce subdomain uniqueness across instances.
type PeerLookup interface {
	ClientForHost(ctx context.Context, subDomain string) (protocol.ClientID, bool)
}

// PeerLookupFunc adapts a plain function to the PeerLookup interface
type PeerLookupFunc func(ctx context.Context, subDomain string) (protocol.ClientID, bool)

// ClientForHost calls the wrapped function
func (f PeerLookupFunc) ClientForHost(ctx context.Context, subDomain string) (protocol.ClientID, bool) {
	return f(ctx, subDomain)
}

// Handshake is the outcome of a successful client handshake
type Handshake struct {
	ID          protocol.ClientID
	SubDomain   string
	IsAnonymous bool
}

// Handshaker applies the server's handshake policy to client hellos
type Handshaker struct {
	service Service
	sigKey  SigKey
	blocked map[string]struct{}
	peers   PeerLookup
	logger  zerolog.Logger
}

// NewHandshaker creates a handshaker enforcing the given policy inputs
func NewHandshaker(service Service, sigKey SigKey, blockedSubDomains []string, peers PeerLookup, logger zerolog.Logger) *Handshaker {
	blocked := make(map[string]struct{}, len(blockedSubDomains))
	for _, sub := range blockedSubDomains {
		blocked[sub] = struct{}{}
	}
	return &Handshaker{
		service: service,
		sigKey:  sigKey,
		blocked: blocked,
		peers:   peers,
		logger:  logger,
	}
}

// Authorize runs the handshake policy. On success it returns the bound
// handshake; on failure it returns the ServerHello to send back.
func (h *Handshaker) Authorize(ctx context.Context, hello *protocol.ClientHello) (*Handshake, *protocol.ServerHello) {
	switch hello.ClientType {
	case protocol.ClientTypeAnonymous:
		return h.authorizeAnonymous(hello)
	case protocol.ClientTypeAuth:
		return h.authorizeKeyed(ctx, hello)
	default:
		return nil, protocol.NewErrorHello(protocol.ServerHelloAuthFailed, "unknown client type")
	}
}

// authorizeAnonymous only admits clients presenting a valid reconnect
// token; fresh anonymous connections are refused.
func (h *Handshaker) authorizeAnonymous(hello *protocol.ClientHello) (*Handshake, *protocol.ServerHello) {
	if hello.ReconnectToken == nil {
		return nil, protocol.NewErrorHello(protocol.ServerHelloAuthFailed, "anonymous clients are not allowed")
	}

	payload, err := VerifyToken(*hello.ReconnectToken, h.sigKey)
	if err != nil {
		h.logger.Warn().Err(err).Msg("rejecting invalid reconnect token")
		return nil, protocol.NewErrorHello(protocol.ServerHelloAuthFailed, "invalid reconnect token")
	}

	h.logger.Debug().
		Str("client_id", payload.ClientID.String()).
		Str("subdomain", payload.SubDomain).
		Msg("accepting reconnect token")

	return &Handshake{
		ID:          payload.ClientID,
		SubDomain:   payload.SubDomain,
		IsAnonymous: true,
	}, nil
}

func (h *Handshaker) authorizeKeyed(ctx context.Context, hello *protocol.ClientHello) (*Handshake, *protocol.ServerHello) {
	if hello.SecretKey == nil {
		return nil, protocol.NewErrorHello(protocol.ServerHelloAuthFailed, "secret key required")
	}
	clientID := hello.SecretKey.ClientID()

	var requested string
	if hello.SubDomain == nil {
		random, err := protocol.GenerateRandomSubDomain()
		if err != nil {
			return nil, protocol.NewErrorHello(protocol.ServerHelloError, "failed to generate subdomain")
		}
		requested = random
	} else {
		sub, err := protocol.CanonicalizeSubDomain(*hello.SubDomain)
		if err != nil {
			return nil, protocol.NewErrorHello(protocol.ServerHelloInvalidSubDomain, err.Error())
		}

		if _, ok := h.blocked[sub]; ok {
			return nil, protocol.NewErrorHello(protocol.ServerHelloSubDomainInUse, "subdomain is restricted")
		}

		// another instance may already serve this subdomain for a
		// different client
		if owner, ok := h.peers.ClientForHost(ctx, sub); ok && owner != clientID {
			return nil, protocol.NewErrorHello(protocol.ServerHelloSubDomainInUse, "subdomain is already in use")
		}

		requested = sub
	}

	result, err := h.service.AuthSubDomain(ctx, hello.SecretKey.Key, requested)
	if err != nil {
		h.logger.Error().Err(err).Str("subdomain", requested).Msg("auth service error")
		return nil, protocol.NewErrorHello(protocol.ServerHelloAuthFailed, "authentication failed")
	}

	switch result {
	case ResultAvailable, ResultReservedByYou:
		// proceed
	case ResultReservedByYouButDelinquent, ResultPaymentRequired:
		return nil, protocol.NewErrorHello(protocol.ServerHelloAuthFailed, "payment required")
	case ResultReservedByOther:
		return nil, protocol.NewErrorHello(protocol.ServerHelloSubDomainInUse, "subdomain is already in use")
	default:
		return nil, protocol.NewErrorHello(protocol.ServerHelloAuthFailed, fmt.Sprintf("unexpected auth result: %d", result))
	}

	return &Handshake{
		ID:          clientID,
		SubDomain:   requested,
		IsAnonymous: false,
	}, nil
}

// MintToken mints a fresh reconnect token binding the subdomain to the
// client for the token TTL
func (h *Handshaker) MintToken(subDomain string, clientID protocol.ClientID) (protocol.ReconnectToken, error) {
	return TokenPayload{
		SubDomain: subDomain,
		ClientID:  clientID,
		Expires:   time.Now().Add(TokenTTL),
	}.Sign(h.sigKey)
}
