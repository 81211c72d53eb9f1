// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"

	"github.com/katzenpost/hpqc/kem/mlkem768"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/braid-im/braid/config"
	"github.com/braid-im/braid/engine"
	"github.com/braid-im/braid/handshake"
	"github.com/braid-im/braid/log"
	"github.com/braid-im/braid/ratchet"
	"github.com/braid-im/braid/session"
	"github.com/braid-im/braid/splitkem"
)

const (
	identityFile = "identity.cbor"
	prekeysFile  = "prekeys.cbor"
	bundleFile   = "bundle.cbor"
)

// identityShim and prekeysShim are the on-disk forms of the private key
// material.
type identityShim struct {
	DHPrivate   []byte
	DHPublic    []byte
	SignPrivate []byte
}

type oneTimeShim struct {
	ID      uint32
	Private []byte
	Public  []byte
}

type prekeysShim struct {
	SignedPrekeyID uint32
	SignedPrivate  []byte
	SignedPublic   []byte
	KEMPrekeyID    uint32
	KEMPrivate     []byte
	OneTime        []oneTimeShim
}

func saveIdentity(path string, id *handshake.Identity) error {
	blob, err := cbor.Marshal(&identityShim{
		DHPrivate:   id.DH.Private[:],
		DHPublic:    id.DH.Public[:],
		SignPrivate: id.Sign.Bytes(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0600)
}

func loadIdentity(path string) (*handshake.Identity, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	shim := new(identityShim)
	if err := cbor.Unmarshal(blob, shim); err != nil {
		return nil, err
	}
	id := &handshake.Identity{Sign: new(ed25519.PrivateKey)}
	copy(id.DH.Private[:], shim.DHPrivate)
	copy(id.DH.Public[:], shim.DHPublic)
	if err := id.Sign.FromBytes(shim.SignPrivate); err != nil {
		return nil, err
	}
	return id, nil
}

func savePrekeys(path string, pk *handshake.Prekeys) error {
	kemPriv, err := pk.KEMPrekey.MarshalBinary()
	if err != nil {
		return err
	}
	shim := &prekeysShim{
		SignedPrekeyID: pk.SignedPrekeyID,
		SignedPrivate:  pk.SignedPrekey.Private[:],
		SignedPublic:   pk.SignedPrekey.Public[:],
		KEMPrekeyID:    pk.KEMPrekeyID,
		KEMPrivate:     kemPriv,
	}
	for id, kp := range pk.OneTime {
		shim.OneTime = append(shim.OneTime, oneTimeShim{
			ID:      id,
			Private: kp.Private[:],
			Public:  kp.Public[:],
		})
	}
	blob, err := cbor.Marshal(shim)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0600)
}

func loadPrekeys(path string) (*handshake.Prekeys, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	shim := new(prekeysShim)
	if err := cbor.Unmarshal(blob, shim); err != nil {
		return nil, err
	}
	kemPriv, err := mlkem768.Scheme().UnmarshalBinaryPrivateKey(shim.KEMPrivate)
	if err != nil {
		return nil, err
	}
	pk := &handshake.Prekeys{
		SignedPrekeyID: shim.SignedPrekeyID,
		KEMPrekeyID:    shim.KEMPrekeyID,
		KEMPrekey:      kemPriv,
		OneTime:        make(map[uint32]*ratchet.KeyPair),
	}
	copy(pk.SignedPrekey.Private[:], shim.SignedPrivate)
	copy(pk.SignedPrekey.Public[:], shim.SignedPublic)
	for _, ot := range shim.OneTime {
		kp := new(ratchet.KeyPair)
		copy(kp.Private[:], ot.Private)
		copy(kp.Public[:], ot.Public)
		pk.OneTime[ot.ID] = kp
	}
	return pk, nil
}

func newKeygenCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate identity keys, prekeys and a publishable bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*cfgFile)
			if err != nil {
				return err
			}
			id, err := handshake.NewIdentity(rand.Reader)
			if err != nil {
				return err
			}
			pk, bundle, err := handshake.GeneratePrekeys(rand.Reader, id,
				cfg.Ratchet.RegistrationID, 1, cfg.Ratchet.OneTimePrekeys)
			if err != nil {
				return err
			}
			if err := saveIdentity(filepath.Join(cfg.Store.DataDir, identityFile), id); err != nil {
				return err
			}
			if err := savePrekeys(filepath.Join(cfg.Store.DataDir, prekeysFile), pk); err != nil {
				return err
			}
			blob, err := bundle.MarshalBinary()
			if err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(cfg.Store.DataDir, bundleFile), blob, 0600); err != nil {
				return err
			}
			fmt.Println("wrote identity, prekeys and bundle to", cfg.Store.DataDir)
			return nil
		},
	}
}

func newBundleCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bundle",
		Short: "Print this party's prekey bundle, base64 encoded",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*cfgFile)
			if err != nil {
				return err
			}
			blob, err := os.ReadFile(filepath.Join(cfg.Store.DataDir, bundleFile))
			if err != nil {
				return err
			}
			fmt.Println(base64.StdEncoding.EncodeToString(blob))
			return nil
		},
	}
}

// selftest exchanges messages between two in-memory parties, exercising
// negotiation and a handful of post-quantum epochs.
func newSelftestCommand() *cobra.Command {
	var rounds int
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run an in-memory two party exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			logBackend, err := log.New("", "NOTICE", false)
			if err != nil {
				return err
			}
			scheme := splitkem.NewMLKEM768X25519()

			newParty := func(regID uint32) (*engine.Engine, *handshake.Bundle, error) {
				id, err := handshake.NewIdentity(rand.Reader)
				if err != nil {
					return nil, nil, err
				}
				pk, bundle, err := handshake.GeneratePrekeys(rand.Reader, id, regID, 1, 3)
				if err != nil {
					return nil, nil, err
				}
				eng, err := engine.New(&engine.Config{
					Store:          session.NewMemoryStore(),
					Scheme:         scheme,
					Identity:       id,
					Prekeys:        pk,
					RegistrationID: regID,
					LogBackend:     logBackend,
				})
				return eng, bundle, err
			}

			alice, _, err := newParty(1)
			if err != nil {
				return err
			}
			bob, bobBundle, err := newParty(2)
			if err != nil {
				return err
			}

			if err := alice.NegotiateInitiator("bob", bobBundle); err != nil {
				return err
			}
			for i := 0; i < rounds; i++ {
				env, err := alice.Encrypt("bob", []byte(fmt.Sprintf("ping %d", i)))
				if err != nil {
					return err
				}
				if _, err := bob.Decrypt("alice", env); err != nil {
					return err
				}
				env, err = bob.Encrypt("alice", []byte(fmt.Sprintf("pong %d", i)))
				if err != nil {
					return err
				}
				if _, err := alice.Decrypt("bob", env); err != nil {
					return err
				}
			}
			fmt.Printf("selftest passed, %d round trips\n", rounds)
			return nil
		},
	}
	cmd.Flags().IntVarP(&rounds, "rounds", "n", 60, "number of message round trips")
	return cmd
}

func main() {
	var cfgFile string
	rootCmd := &cobra.Command{
		Use:   "braidtool",
		Short: "Key management and diagnostics for braid sessions",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "f", "braidtool.toml", "configuration file")
	rootCmd.AddCommand(newKeygenCommand(&cfgFile))
	rootCmd.AddCommand(newBundleCommand(&cfgFile))
	rootCmd.AddCommand(newSelftestCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
