// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package engine drives full sessions: negotiation, message encryption,
// and message decryption against a persistent session store. All braid
// and ratchet state transitions happen here, transactionally per
// envelope, under a per-address writer lock.
package engine

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/braid-im/braid/handshake"
	"github.com/braid-im/braid/log"
	"github.com/braid-im/braid/pqratchet"
	"github.com/braid-im/braid/ratchet"
	"github.com/braid-im/braid/session"
	"github.com/braid-im/braid/splitkem"
)

var (
	// ErrNoSession means no session record exists for the address.
	ErrNoSession = errors.New("engine: no session for address")

	// ErrNoMatchingSession means an envelope failed to decrypt against
	// the current session and every archived one.
	ErrNoMatchingSession = errors.New("engine: no matching session state")
)

// Config assembles an Engine.
type Config struct {
	Store  session.Store
	Cipher Cipher

	// Scheme is the split KEM; nil runs every session classical-only.
	Scheme splitkem.Scheme

	// Identity and Prekeys are this party's long term material. Prekeys
	// may be nil for a party that only initiates.
	Identity *handshake.Identity
	Prekeys  *handshake.Prekeys

	RegistrationID uint32

	LogBackend *log.Backend

	// Metrics receives the engine's prometheus counters. Nil leaves them
	// unregistered.
	Metrics prometheus.Registerer

	// Rand defaults to the system entropy source.
	Rand io.Reader
}

// Engine is safe for concurrent use. Operations on distinct addresses
// proceed in parallel; operations on the same address serialize.
type Engine struct {
	store  session.Store
	cipher Cipher
	scheme splitkem.Scheme

	identity       *handshake.Identity
	prekeys        *handshake.Prekeys
	registrationID uint32

	rng io.Reader
	log *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(cfg *Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Identity == nil {
		return nil, errors.New("engine: config requires Store and Identity")
	}
	e := &Engine{
		store:          cfg.Store,
		cipher:         cfg.Cipher,
		scheme:         cfg.Scheme,
		identity:       cfg.Identity,
		prekeys:        cfg.Prekeys,
		registrationID: cfg.RegistrationID,
		rng:            cfg.Rand,
		locks:          make(map[string]*sync.Mutex),
	}
	if e.cipher == nil {
		e.cipher = CBCCipher{}
	}
	if e.rng == nil {
		e.rng = rand.Reader
	}
	if cfg.LogBackend != nil {
		e.log = cfg.LogBackend.GetLogger("engine")
	} else {
		e.log = logging.MustGetLogger("engine")
	}
	if cfg.Metrics != nil {
		if err := registerMetrics(cfg.Metrics); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) lock(addr string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.locks[addr]
	if !ok {
		m = new(sync.Mutex)
		e.locks[addr] = m
	}
	return m
}

func (e *Engine) loadRecord(addr string) (*session.Record, error) {
	rec, err := e.store.LoadRecord(addr)
	if err != nil {
		return nil, err
	}
	rec.AttachScheme(e.scheme)
	return rec, nil
}

// NegotiateInitiator establishes a session toward addr from its published
// bundle. Until the peer's first reply arrives, every envelope produced
// by Encrypt carries the establishment header.
func (e *Engine) NegotiateInitiator(addr string, bundle *handshake.Bundle) error {
	m := e.lock(addr)
	m.Lock()
	defer m.Unlock()

	st, est, err := handshake.Initiate(e.rng, e.identity, bundle, e.registrationID, e.scheme)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(est)
	if err != nil {
		return err
	}
	st.PendingEstablishment = blob

	rec, err := e.loadRecord(addr)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			return err
		}
		rec = session.NewRecord(st)
	} else {
		rec.SetCurrent(st)
	}
	if err := e.store.StoreRecord(addr, rec); err != nil {
		return err
	}
	sessionsEstablished.Inc()
	e.log.Debugf("negotiated session with %s as initiator", addr)
	return nil
}

// NegotiateResponder processes the establishment header of an inbound
// envelope without decrypting its payload. Decrypt does this implicitly;
// the explicit form exists for handling the header ahead of time.
func (e *Engine) NegotiateResponder(addr string, envelopeBytes []byte) error {
	env := new(Envelope)
	if err := env.UnmarshalBinary(envelopeBytes); err != nil {
		return err
	}
	if env.Establishment == nil {
		return errBadEnvelope
	}
	m := e.lock(addr)
	m.Lock()
	defer m.Unlock()

	rec, created, err := e.respond(addr, env.Establishment)
	if err != nil {
		return err
	}
	if created {
		e.prekeys.Consume(env.Establishment.OneTimePrekeyID)
	}
	return e.store.StoreRecord(addr, rec)
}

// respond resolves an establishment header to a record whose current
// state matches it, creating the session if the base key is new. The
// referenced one-time prekey is left to the caller to consume, so a
// header on an envelope that fails to decrypt cannot burn prekeys.
// Caller holds the address lock and stores the record.
func (e *Engine) respond(addr string, est *handshake.Establishment) (*session.Record, bool, error) {
	rec, err := e.loadRecord(addr)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, false, err
	}
	if rec != nil && rec.PromoteMatching(est.BasePub) {
		// Retransmitted establishment for a session we already hold.
		return rec, false, nil
	}

	if e.prekeys == nil {
		return nil, false, handshake.ErrPrekeyNotFound
	}
	st, err := handshake.Respond(e.identity, e.prekeys, est, e.scheme)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		rec = session.NewRecord(st)
	} else {
		rec.SetCurrent(st)
	}
	sessionsEstablished.Inc()
	e.log.Debugf("negotiated session with %s as responder", addr)
	return rec, true, nil
}

// Encrypt produces the next outbound envelope for addr. The session
// record is persisted before the envelope is released.
func (e *Engine) Encrypt(addr string, plaintext []byte) ([]byte, error) {
	m := e.lock(addr)
	m.Lock()
	defer m.Unlock()

	rec, err := e.loadRecord(addr)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	st := rec.Current
	if st == nil {
		return nil, ErrNoSession
	}

	frag, err := st.PQ.SendStep(e.rng)
	if err != nil {
		if !errors.Is(err, pqratchet.ErrBraidFault) {
			return nil, err
		}
		e.log.Warningf("braid faulted for %s, continuing classical-only", addr)
		frag = nil
	}
	salt, pqEpoch, pqIndex, err := st.PQ.SendKey()
	if err != nil {
		return nil, err
	}

	seed := st.SendChain.MessageKeySeed()
	keys := ratchet.DeriveMessageKeys(seed, salt, st.SendChain.Index)
	st.SendChain = *st.SendChain.Next()

	msg := &Message{
		RatchetPub:  st.SendRatchet.Public,
		Counter:     keys.Counter,
		PrevCounter: st.PrevCounter,
		PQEpoch:     pqEpoch,
		PQIndex:     pqIndex,
		Fragment:    frag,
	}
	ad, err := aad(st.LocalIdentityPub, st.RemoteIdentityPub, msg)
	if err != nil {
		return nil, err
	}
	ct, err := e.cipher.Encrypt(keys.CipherKey[:], keys.IV[:], keys.MacKey[:], ad, plaintext)
	keys.Wipe()
	if err != nil {
		return nil, err
	}
	msg.Ciphertext = ct

	env := &Envelope{Version: envelopeVersion, Message: *msg}
	if st.PendingEstablishment != nil {
		est := new(handshake.Establishment)
		if err := cbor.Unmarshal(st.PendingEstablishment, est); err != nil {
			return nil, err
		}
		env.Establishment = est
	}

	st.LastUsedAt = time.Now()
	if err := e.store.StoreRecord(addr, rec); err != nil {
		return nil, err
	}
	messagesEncrypted.Inc()
	return env.MarshalBinary()
}

// Decrypt processes one inbound envelope for addr. An establishment
// header is handled first; the payload is then tried against the current
// session state and every archived one, each attempt against a deep copy
// so a failure leaves nothing behind. The state that decrypts wins and
// becomes current.
func (e *Engine) Decrypt(addr string, envelopeBytes []byte) ([]byte, error) {
	env := new(Envelope)
	if err := env.UnmarshalBinary(envelopeBytes); err != nil {
		return nil, err
	}

	m := e.lock(addr)
	m.Lock()
	defer m.Unlock()

	var rec *session.Record
	var created bool
	var err error
	if env.Establishment != nil {
		rec, created, err = e.respond(addr, env.Establishment)
	} else {
		rec, err = e.loadRecord(addr)
		if errors.Is(err, session.ErrNotFound) {
			err = ErrNoSession
		}
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var duplicate, invalid error
	for i, candidate := range rec.States() {
		attempt := candidate.Clone()
		pt, err := e.decryptWith(attempt, &env.Message, now)
		if err != nil {
			attempt.Destroy()
			if errors.Is(err, session.ErrDuplicateMessage) {
				duplicate = err
			}
			if i == 0 && errors.Is(err, session.ErrInvalidMessage) {
				invalid = err
			}
			continue
		}
		if i > 0 {
			rec.Promote(i - 1)
			archivedDecrypts.Inc()
		}
		old := rec.Current
		rec.Current = attempt
		old.Destroy()
		if created {
			// The message proved out, so the one-time prekey the
			// establishment named is spent for good.
			e.prekeys.Consume(env.Establishment.OneTimePrekeyID)
		}
		if err := e.store.StoreRecord(addr, rec); err != nil {
			return nil, err
		}
		messagesDecrypted.Inc()
		return pt, nil
	}

	decryptFailures.Inc()
	if invalid != nil {
		// Fatal for the current session: the counter jumped past the
		// forward bound. Callers should reset rather than renegotiate.
		return nil, invalid
	}
	if duplicate != nil {
		return nil, duplicate
	}
	e.log.Debugf("envelope from %s matched no session state", addr)
	return nil, ErrNoMatchingSession
}

// decryptWith runs one attempt against a cloned state, mutating it.
func (e *Engine) decryptWith(st *session.State, msg *Message, now time.Time) ([]byte, error) {
	if msg.Fragment != nil {
		if err := st.PQ.RecvFragment(msg.Fragment); err != nil {
			if !errors.Is(err, pqratchet.ErrBraidFault) {
				return nil, err
			}
			// Sticky fault. Classical decryption decides whether this
			// state survives.
			e.log.Warningf("braid fault while receiving fragment")
		}
	}

	chain, err := st.GetOrCreateChainKey(e.rng, msg.RatchetPub)
	if err != nil {
		return nil, err
	}
	seed, err := st.MessageSeed(chain, msg.RatchetPub, msg.Counter, now)
	if err != nil {
		return nil, err
	}
	salt, err := st.PQ.RecvKey(msg.PQEpoch, msg.PQIndex)
	if err != nil {
		return nil, err
	}
	keys := ratchet.DeriveMessageKeys(seed, salt, msg.Counter)

	ad, err := aad(st.RemoteIdentityPub, st.LocalIdentityPub, msg)
	if err != nil {
		return nil, err
	}
	pt, err := e.cipher.Decrypt(keys.CipherKey[:], keys.IV[:], keys.MacKey[:], ad, msg.Ciphertext)
	keys.Wipe()
	if err != nil {
		return nil, err
	}

	st.PQ.NotePeerEpoch(msg.PQEpoch)
	st.PendingEstablishment = nil
	st.LastUsedAt = now
	return pt, nil
}
