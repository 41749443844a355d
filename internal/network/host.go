// Package network starts the libp2p host a cluster node reduces over.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	libp2p "github.com/libp2p/go-libp2p"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	peer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/simplane/internal/utils"
)

// DefaultListenAddr binds every interface on a random TCP port.
const DefaultListenAddr = "/ip4/0.0.0.0/tcp/0"

// PersistentIdentity holds the private key and peer ID.
type PersistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// SaveIdentity writes id to path, readable by the owner only.
func SaveIdentity(path string, id *PersistentIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadIdentity reads an identity saved by SaveIdentity.
func LoadIdentity(path string) (*PersistentIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id PersistentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// LoadOrCreateKey returns the key stored at path, generating and saving an
// Ed25519 key on first use. An empty path yields a fresh key every time.
func LoadOrCreateKey(path string) (crypto.PrivKey, error) {
	if path != "" {
		id, err := LoadIdentity(path)
		switch {
		case err == nil:
			priv, err := crypto.UnmarshalPrivateKey(id.PrivKey)
			if err != nil {
				return nil, fmt.Errorf("identity %s: %w", path, err)
			}
			pid, err := peer.Decode(id.PeerID)
			if err != nil {
				return nil, fmt.Errorf("identity %s: %w", path, err)
			}
			if !pid.MatchesPrivateKey(priv) {
				return nil, fmt.Errorf("identity %s: peer id does not match key", path)
			}
			return priv, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return priv, nil
	}

	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(path, &PersistentIdentity{PrivKey: privBytes, PeerID: pid.String()}); err != nil {
		return nil, err
	}
	return priv, nil
}

// HostConfig configures a node host.
type HostConfig struct {
	ListenAddrs  []string
	IdentityPath string
	Logger       *utils.Logger
}

// NewHost starts a libp2p host with the persistent identity.
func NewHost(cfg HostConfig) (libp2p_host.Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("network")
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{DefaultListenAddr}
	}

	priv, err := LoadOrCreateKey(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}
	host, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Info("Libp2p node started",
		utils.String("peer_id", host.ID().String()),
		utils.Any("addrs", FullAddrs(host)),
	)
	return host, nil
}

// FullAddrs returns the host's listen addresses with its /p2p component.
func FullAddrs(h libp2p_host.Host) []string {
	out := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a.String(), h.ID().String()))
	}
	return out
}

// Self returns the AddrInfo other nodes need to reach h.
func Self(h libp2p_host.Host) peer.AddrInfo {
	return peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
}

// ParsePeers turns /p2p multiaddrs into AddrInfos, keeping order.
func ParsePeers(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", s, err)
		}
		out = append(out, *info)
	}
	return out, nil
}

// ConnectAll dials every peer other than h.
func ConnectAll(ctx context.Context, h libp2p_host.Host, peers []peer.AddrInfo) error {
	var errs []error
	for _, p := range peers {
		if p.ID == h.ID() {
			continue
		}
		if err := h.Connect(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("connect %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}
