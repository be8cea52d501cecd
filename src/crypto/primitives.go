package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// DefaultDelegate implements the primitive boundary on a symmetric ratchet:
// every encryption derives a message key from the current chain key and
// advances the chain, so a session key exported at index i decrypts
// everything from i on but nothing before it.
type DefaultDelegate struct{}

func NewDefaultDelegate() *DefaultDelegate {
	return &DefaultDelegate{}
}

const (
	chainInfo   = "RVR_CHAIN"
	messageInfo = "RVR_MSG"
	pickleInfo  = "RVR_PICKLE"
)

func hkdfExpand(secret []byte, info string) (out [32]byte, err error) {
	h := hkdf.New(sha256.New, secret, nil, []byte(info))
	_, err = io.ReadFull(h, out[:])
	return
}

// AEAD helpers: AES-256-GCM, ciphertext = nonce || sealed

func aeadSeal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, aad)...), nil
}

func aeadOpen(key, nonceAndCiphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(nonceAndCiphertext) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := aead.Open(nil, nonceAndCiphertext[:ns], nonceAndCiphertext[ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

func (self *DefaultDelegate) AEADSeal(key, plaintext, aad []byte) ([]byte, error) {
	return aeadSeal(key, plaintext, aad)
}

func (self *DefaultDelegate) AEADOpen(key, ciphertext, aad []byte) ([]byte, error) {
	return aeadOpen(key, ciphertext, aad)
}

func (self *DefaultDelegate) GenerateSymmetricKey() (key []byte, err error) {
	key = make([]byte, 32)
	_, err = io.ReadFull(rand.Reader, key)
	return
}

func pickleKeyBytes(pickleKey []byte) []byte {
	key, _ := hkdfExpand(pickleKey, pickleInfo)
	return key[:]
}

// Account --------------------------------------------------------------------

type accountState struct {
	Curve25519Private []byte             `json:"curve25519Private"`
	Curve25519Public  []byte             `json:"curve25519Public"`
	Ed25519Private    ed25519.PrivateKey `json:"ed25519Private"`
	Ed25519Public     ed25519.PublicKey  `json:"ed25519Public"`
	FallbackPrivate   []byte             `json:"fallbackPrivate"`
	FallbackPublic    []byte             `json:"fallbackPublic"`
}

type account struct {
	state accountState
}

func newCurve25519Pair() (private, public []byte, err error) {
	private = make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, private); err != nil {
		return
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	return
}

func (self *DefaultDelegate) CreateAccount() (Account, error) {
	var state accountState
	var err error

	state.Curve25519Private, state.Curve25519Public, err = newCurve25519Pair()
	if err != nil {
		return nil, err
	}

	state.Ed25519Public, state.Ed25519Private, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	state.FallbackPrivate, state.FallbackPublic, err = newCurve25519Pair()
	if err != nil {
		return nil, err
	}

	return &account{state: state}, nil
}

func (self *DefaultDelegate) UnpickleAccount(pickled, pickleKey []byte) (Account, error) {
	data, err := aeadOpen(pickleKeyBytes(pickleKey), pickled, nil)
	if err != nil {
		return nil, err
	}
	acc := new(account)
	if err := json.Unmarshal(data, &acc.state); err != nil {
		return nil, err
	}
	return acc, nil
}

func (self *account) Curve25519Key() string {
	return base64.StdEncoding.EncodeToString(self.state.Curve25519Public)
}

func (self *account) Ed25519Key() string {
	return base64.StdEncoding.EncodeToString(self.state.Ed25519Public)
}

func (self *account) FallbackKey() string {
	return base64.StdEncoding.EncodeToString(self.state.FallbackPublic)
}

func (self *account) GenerateFallbackKey() (err error) {
	self.state.FallbackPrivate, self.state.FallbackPublic, err = newCurve25519Pair()
	return
}

func (self *account) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(self.state.Ed25519Private, message), nil
}

func (self *account) Pickle(pickleKey []byte) ([]byte, error) {
	data, err := json.Marshal(&self.state)
	if err != nil {
		return nil, err
	}
	return aeadSeal(pickleKeyBytes(pickleKey), data, nil)
}

// Group sessions -------------------------------------------------------------

type groupMessage struct {
	SessionId  string `json:"sessionId"`
	Index      uint32 `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
}

type exportedSession struct {
	SessionId string `json:"sessionId"`
	ChainKey  []byte `json:"chainKey"`
	Index     uint32 `json:"index"`
}

func messageKey(chainKey []byte) ([]byte, error) {
	key, err := hkdfExpand(chainKey, messageInfo)
	if err != nil {
		return nil, err
	}
	return key[:], nil
}

func advanceChain(chainKey []byte) ([]byte, error) {
	key, err := hkdfExpand(chainKey, chainInfo)
	if err != nil {
		return nil, err
	}
	return key[:], nil
}

func messageAAD(sessionId string, index uint32) []byte {
	return []byte(fmt.Sprintf("%s:%d", sessionId, index))
}

type outboundSessionState struct {
	SessionId string `json:"sessionId"`
	ChainKey  []byte `json:"chainKey"`
	Index     uint32 `json:"index"`
}

type outboundSession struct {
	state outboundSessionState
}

func (self *DefaultDelegate) CreateOutboundSession() (OutboundSession, error) {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}

	id := sha256.Sum256(seed)
	chainKey, err := advanceChain(seed)
	if err != nil {
		return nil, err
	}

	return &outboundSession{state: outboundSessionState{
		SessionId: hex.EncodeToString(id[:16]),
		ChainKey:  chainKey,
		Index:     0,
	}}, nil
}

func (self *DefaultDelegate) UnpickleOutboundSession(pickled, pickleKey []byte) (OutboundSession, error) {
	data, err := aeadOpen(pickleKeyBytes(pickleKey), pickled, nil)
	if err != nil {
		return nil, err
	}
	session := new(outboundSession)
	if err := json.Unmarshal(data, &session.state); err != nil {
		return nil, err
	}
	return session, nil
}

func (self *outboundSession) Id() string {
	return self.state.SessionId
}

func (self *outboundSession) MessageIndex() uint32 {
	return self.state.Index
}

func (self *outboundSession) SessionKey() (string, error) {
	data, err := json.Marshal(&exportedSession{
		SessionId: self.state.SessionId,
		ChainKey:  self.state.ChainKey,
		Index:     self.state.Index,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (self *outboundSession) Encrypt(plaintext []byte) (ciphertext []byte, err error) {
	key, err := messageKey(self.state.ChainKey)
	if err != nil {
		return
	}

	sealed, err := aeadSeal(key, plaintext, messageAAD(self.state.SessionId, self.state.Index))
	if err != nil {
		return
	}

	ciphertext, err = json.Marshal(&groupMessage{
		SessionId:  self.state.SessionId,
		Index:      self.state.Index,
		Ciphertext: sealed,
	})
	if err != nil {
		return
	}

	// Ratchet forward, the same message key is never reused
	self.state.ChainKey, err = advanceChain(self.state.ChainKey)
	if err != nil {
		return nil, err
	}
	self.state.Index++

	return
}

func (self *outboundSession) Pickle(pickleKey []byte) ([]byte, error) {
	data, err := json.Marshal(&self.state)
	if err != nil {
		return nil, err
	}
	return aeadSeal(pickleKeyBytes(pickleKey), data, nil)
}

type inboundSessionState struct {
	SessionId       string `json:"sessionId"`
	ChainKey        []byte `json:"chainKey"`
	FirstKnownIndex uint32 `json:"firstKnownIndex"`
}

type inboundSession struct {
	state inboundSessionState
}

func (self *DefaultDelegate) CreateInboundSession(sessionKey string) (InboundSession, error) {
	data, err := base64.StdEncoding.DecodeString(sessionKey)
	if err != nil {
		return nil, err
	}

	var exported exportedSession
	if err := json.Unmarshal(data, &exported); err != nil {
		return nil, err
	}
	if exported.SessionId == "" || len(exported.ChainKey) == 0 {
		return nil, fmt.Errorf("malformed session key")
	}

	return &inboundSession{state: inboundSessionState{
		SessionId:       exported.SessionId,
		ChainKey:        exported.ChainKey,
		FirstKnownIndex: exported.Index,
	}}, nil
}

func (self *DefaultDelegate) UnpickleInboundSession(pickled, pickleKey []byte) (InboundSession, error) {
	data, err := aeadOpen(pickleKeyBytes(pickleKey), pickled, nil)
	if err != nil {
		return nil, err
	}
	session := new(inboundSession)
	if err := json.Unmarshal(data, &session.state); err != nil {
		return nil, err
	}
	return session, nil
}

func (self *inboundSession) Id() string {
	return self.state.SessionId
}

func (self *inboundSession) FirstKnownIndex() uint32 {
	return self.state.FirstKnownIndex
}

// chainAt advances a copy of the chain to the given index
func (self *inboundSession) chainAt(index uint32) (chainKey []byte, err error) {
	if index < self.state.FirstKnownIndex {
		return nil, fmt.Errorf("session %s starts at index %d, cannot reach %d",
			self.state.SessionId, self.state.FirstKnownIndex, index)
	}

	chainKey = self.state.ChainKey
	for i := self.state.FirstKnownIndex; i < index; i++ {
		chainKey, err = advanceChain(chainKey)
		if err != nil {
			return nil, err
		}
	}
	return
}

func (self *inboundSession) Export(index uint32) (string, error) {
	chainKey, err := self.chainAt(index)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(&exportedSession{
		SessionId: self.state.SessionId,
		ChainKey:  chainKey,
		Index:     index,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (self *inboundSession) Decrypt(ciphertext []byte) (plaintext []byte, index uint32, err error) {
	var message groupMessage
	if err = json.Unmarshal(ciphertext, &message); err != nil {
		return
	}

	if message.SessionId != self.state.SessionId {
		return nil, 0, fmt.Errorf("message for session %s given to session %s",
			message.SessionId, self.state.SessionId)
	}

	chainKey, err := self.chainAt(message.Index)
	if err != nil {
		return
	}

	key, err := messageKey(chainKey)
	if err != nil {
		return
	}

	plaintext, err = aeadOpen(key, message.Ciphertext, messageAAD(message.SessionId, message.Index))
	if err != nil {
		return nil, 0, err
	}
	return plaintext, message.Index, nil
}

func (self *inboundSession) Pickle(pickleKey []byte) ([]byte, error) {
	data, err := json.Marshal(&self.state)
	if err != nil {
		return nil, err
	}
	return aeadSeal(pickleKeyBytes(pickleKey), data, nil)
}
