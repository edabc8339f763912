// Package auth covers connection identity: anonymous and token-derived
// user ids, and the Ethereum wallet handshake (nonce challenges plus
// EIP-191 signature verification).
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethsig/signalhub/internal/v1/config"
)

// Exact reason strings carried in auth-failed frames and close reasons.
// Clients match on them, so they are part of the wire contract.
var (
	ErrNoPendingChallenge = errors.New("No pending handshake challenge")
	ErrChallengeExpired   = errors.New("Handshake challenge expired")
	ErrMissingFields      = errors.New("Missing signature or address")
	ErrBadAddressFormat   = errors.New("Invalid Ethereum address format")
	ErrBadSignatureFormat = errors.New("Invalid signature format")
	ErrVerificationFailed = errors.New("Signature verification failed")
	ErrVerificationError  = errors.New("Signature verification error")
)

var (
	addressPattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	signaturePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
)

// expirySweepSlack delays the proactive sweep past the challenge expiry
// so a slightly late auth-response still gets the expired reason instead
// of finding the entry gone. Variable so tests can shrink it.
var expirySweepSlack = 30 * time.Second

// Challenge is one issued handshake challenge. Message is the exact
// string the client must sign; Expiry is epoch milliseconds.
type Challenge struct {
	Token   string
	Message string
	Expiry  int64
}

type pendingChallenge struct {
	Challenge
	timer *time.Timer
}

// Engine issues nonce-bound challenges and verifies the signed responses.
// Entries are keyed by an opaque per-connection key and are single-use:
// the first verification attempt consumes the entry whatever the verdict.
type Engine struct {
	message string
	expiry  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingChallenge

	now func() time.Time
}

// NewEngine builds an engine from the auth section of the configuration.
func NewEngine(cfg config.AuthConfig) *Engine {
	return &Engine{
		message: cfg.HandshakeMessage,
		expiry:  time.Duration(cfg.HandshakeExpiry) * time.Second,
		pending: make(map[string]*pendingChallenge),
		now:     time.Now,
	}
}

// Issue creates and stores a fresh challenge for key, replacing any
// previous one. onExpire, when non-nil, runs once if the entry is still
// pending a little after its expiry; callers use it to close idle
// pending sockets.
func (e *Engine) Issue(key string, onExpire func()) Challenge {
	nonce := make([]byte, 16)
	rand.Read(nonce)

	now := e.now()
	token := fmt.Sprintf("%d:%s", now.UnixMilli(), hex.EncodeToString(nonce))
	ch := Challenge{
		Token:   token,
		Message: fmt.Sprintf("%s\n\nToken: %s", e.message, token),
		Expiry:  now.Add(e.expiry).UnixMilli(),
	}

	entry := &pendingChallenge{Challenge: ch}
	if onExpire != nil {
		entry.timer = time.AfterFunc(e.expiry+expirySweepSlack, func() {
			e.mu.Lock()
			current, ok := e.pending[key]
			if !ok || current != entry {
				e.mu.Unlock()
				return
			}
			delete(e.pending, key)
			e.mu.Unlock()
			onExpire()
		})
	}

	e.mu.Lock()
	if prev, ok := e.pending[key]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	e.pending[key] = entry
	e.mu.Unlock()

	return ch
}

// Verify consumes the pending challenge for key and checks the signed
// response. On success it returns the lowercase wallet address to use as
// the user id; on failure the returned error is one of the fixed reason
// values above.
func (e *Engine) Verify(key, signature, address string) (string, error) {
	e.mu.Lock()
	entry, ok := e.pending[key]
	if ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(e.pending, key)
	}
	e.mu.Unlock()

	if !ok {
		return "", ErrNoPendingChallenge
	}
	if e.now().UnixMilli() > entry.Expiry {
		return "", ErrChallengeExpired
	}
	if signature == "" || address == "" {
		return "", ErrMissingFields
	}
	if !addressPattern.MatchString(address) {
		return "", ErrBadAddressFormat
	}
	if !signaturePattern.MatchString(signature) {
		return "", ErrBadSignatureFormat
	}

	recovered, err := RecoverPersonalSigner(entry.Message, signature)
	if err != nil {
		return "", ErrVerificationError
	}
	if !strings.EqualFold(recovered, address) {
		return "", ErrVerificationFailed
	}
	return strings.ToLower(address), nil
}

// Drop discards any pending challenge for key. Called from connection
// close paths so entries never outlive their socket.
func (e *Engine) Drop(key string) {
	e.mu.Lock()
	if entry, ok := e.pending[key]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(e.pending, key)
	}
	e.mu.Unlock()
}

// PendingCount reports how many challenges are outstanding.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
