package aps

import (
	"errors"
	"fmt"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/wire"
)

// frameKey derives the key protecting a frame of the given key class from
// the link key.
func frameKey(id security.KeyID, link security.Key) security.Key {
	switch id {
	case security.KeyIDKeyTransport:
		return security.KeyTransportKey(link)
	case security.KeyIDKeyLoad:
		return security.KeyLoadKey(link)
	default:
		return link
	}
}

// seal protects payload behind hdr with the link key shared with peer.
func (l *Layer) seal(hdr Header, payload []byte, id security.KeyID, peer mac.ExtAddr) ([]byte, error) {
	p := l.keys.Find(peer)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLinkKey, peer)
	}
	counter, err := l.keys.GetUpdatedOutFrameCounter(peer)
	if err != nil {
		return nil, err
	}
	hdr.Security = true
	aux := security.AuxHeader{
		KeyID:    id,
		ExtNonce: true,
		SrcExt:   uint64(l.ownExt()),
		Counter:  counter,
	}
	return security.Protect(frameKey(id, p.LinkKey), hdr.Bytes(), aux, security.LevelEncMIC32, payload), nil
}

// acceptsPreconfigured reports whether a frame from peer may be verified
// with the preconfigured trust center link key when no pair exists yet.
func (l *Layer) acceptsPreconfigured(peer mac.ExtAddr) bool {
	if l.cfg.TCLinkKey.IsZero() {
		return false
	}
	return l.tcAddr == 0 || l.tcAddr == peer || l.IsTrustCenter()
}

type unsealed struct {
	payload []byte
	peer    mac.ExtAddr
	keyID   security.KeyID
}

// unseal verifies and decrypts the rest of r. header is the raw APS
// header the MIC covers; srcExt is the NWK source, used when the
// auxiliary header carries no address.
func (l *Layer) unseal(header []byte, r *wire.Reader, srcExt mac.ExtAddr) (unsealed, error) {
	aux, err := security.DecodeAux(r)
	if err != nil {
		return unsealed{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if aux.KeyID == security.KeyIDNetwork {
		return unsealed{}, fmt.Errorf("%w: network key at APS", ErrInvalidFrame)
	}
	peer := srcExt
	if aux.ExtNonce {
		peer = mac.ExtAddr(aux.SrcExt)
	}
	if peer == 0 {
		return unsealed{}, fmt.Errorf("%w: unknown source", ErrNoLinkKey)
	}

	var link security.Key
	pair := l.keys.Find(peer)
	switch {
	case pair != nil:
		if !l.keys.CheckInCounter(peer, aux.Counter) {
			return unsealed{}, fmt.Errorf("%w: counter %d from %s", ErrReplay, aux.Counter, peer)
		}
		link = pair.LinkKey
	case l.acceptsPreconfigured(peer):
		link = l.cfg.TCLinkKey
	default:
		return unsealed{}, fmt.Errorf("%w: %s", ErrNoLinkKey, peer)
	}

	plain, err := security.Unprotect(frameKey(aux.KeyID, link), header, aux, security.LevelEncMIC32, uint64(peer), r.Rest())
	if err != nil {
		return unsealed{}, fmt.Errorf("aps: %w", err)
	}
	if pair == nil {
		if _, err := l.keys.Set(peer, link, KeyPairPreconfigured); err != nil {
			return unsealed{}, err
		}
	}
	l.keys.CommitInCounter(peer, aux.Counter)
	return unsealed{payload: plain, peer: peer, keyID: aux.KeyID}, nil
}

// keyStore is the persisted key material.
type keyStore struct {
	TrustCenter mac.ExtAddr `json:"trust_center"`
	Pairs       []KeyPair   `json:"pairs"`
}

func (l *Layer) saveKeys() {
	if l.store == nil {
		return
	}
	ks := keyStore{TrustCenter: l.tcAddr, Pairs: l.keys.Entries()}
	if err := pds.SaveJSON(l.store, pds.MemApsKeyPairs, ks); err != nil {
		l.logger.Error("persist key pairs", "err", err)
	}
}

// Persist writes the key-pair set.
func (l *Layer) Persist() error {
	if l.store == nil {
		return nil
	}
	return pds.SaveJSON(l.store, pds.MemApsKeyPairs, keyStore{TrustCenter: l.tcAddr, Pairs: l.keys.Entries()})
}

// Restore reloads the key-pair set. Outgoing counters resume at their
// persisted bounds.
func (l *Layer) Restore() (bool, error) {
	if l.store == nil {
		return false, nil
	}
	var ks keyStore
	if err := pds.LoadJSON(l.store, pds.MemApsKeyPairs, &ks); err != nil {
		if errors.Is(err, pds.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	l.keys.Load(ks.Pairs)
	if ks.TrustCenter != 0 {
		l.tcAddr = ks.TrustCenter
	}
	l.logger.Info("key pairs restored", "pairs", l.keys.Len(), "trust_center", extAttr(l.tcAddr))
	return true, nil
}
