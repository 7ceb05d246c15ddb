package aps

import (
	"errors"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/sys"
	"zigbee-go-stack/internal/wire"
)

// received is an APS frame that passed duplicate rejection and security.
type received struct {
	ind     nwk.DataInd
	hdr     Header
	srcExt  mac.ExtAddr
	payload []byte
	secured bool
	keyID   security.KeyID
	// origin is the device that built the frame: the link key peer for
	// secured frames, otherwise the NWK source.
	origin mac.ExtAddr
}

// onNwkData is the NLDE-DATA.indication entry point.
func (l *Layer) onNwkData(ind nwk.DataInd) {
	r := wire.NewReader(ind.Payload)
	hdr, err := DecodeHeader(r)
	if err != nil {
		l.drop(err.Error(), "src", addrAttr(ind.Src))
		return
	}
	headerLen := r.Offset()

	if hdr.Type != FrameAck {
		switch l.dup.Check(uint16(ind.Src), hdr.Counter) {
		case sys.DuplicateFound:
			l.counters.Duplicates++
			if hdr.AckRequest {
				l.sendAck(ind.Src, hdr)
			}
			return
		case sys.DuplicateFull:
			l.drop("duplicate table full", "src", addrAttr(ind.Src))
			return
		}
	}

	rx := received{ind: ind, hdr: hdr, srcExt: ind.SrcExt}
	if rx.srcExt == 0 {
		rx.srcExt, _ = l.nwk.ExtAddrOf(ind.Src)
	}
	rx.origin = rx.srcExt
	if !hdr.Security {
		rx.payload = r.Rest()
	} else {
		u, err := l.unseal(ind.Payload[:headerLen], r, rx.srcExt)
		if err != nil {
			if errors.Is(err, ErrReplay) {
				l.counters.Replays++
			} else {
				l.counters.SecurityFailures++
			}
			// A genuine retransmission must not be mistaken for a duplicate.
			l.dup.Remove(uint16(ind.Src), hdr.Counter)
			l.drop(err.Error(), "src", addrAttr(ind.Src))
			return
		}
		rx.payload, rx.secured, rx.keyID, rx.origin = u.payload, true, u.keyID, u.peer
	}
	l.counters.RxFrames++

	switch hdr.Type {
	case FrameAck:
		l.onAck(ind.Src, hdr)
	case FrameCommand:
		l.onCommand(rx)
	case FrameData:
		l.onData(rx)
	}
}

func (l *Layer) onData(rx received) {
	hdr := rx.hdr
	var eps []uint8
	switch hdr.Delivery {
	case DeliveryGroup:
		eps = l.groupEndpoints(hdr.GroupID)
		if len(eps) == 0 {
			l.drop("not a group member", "group", hdr.GroupID)
			return
		}
	default:
		if hdr.DstEndpoint == BroadcastEndpoint {
			eps = l.allEndpoints()
		} else {
			eps = []uint8{hdr.DstEndpoint}
		}
	}
	if hdr.AckRequest && hdr.Delivery == DeliveryUnicast {
		l.sendAck(rx.ind.Src, hdr)
	}

	handlers := l.endpointHandlers(eps)
	if len(handlers) == 0 {
		l.drop("no endpoint", "endpoint", hdr.DstEndpoint)
		return
	}
	for _, h := range handlers {
		h.handler(DataInd{
			SrcShort:    rx.ind.Src,
			SrcExt:      rx.srcExt,
			SrcEndpoint: hdr.SrcEndpoint,
			DstShort:    rx.ind.Dst,
			DstEndpoint: h.ep,
			Delivery:    hdr.Delivery,
			GroupID:     hdr.GroupID,
			ProfileID:   hdr.ProfileID,
			ClusterID:   hdr.ClusterID,
			Payload:     append([]byte(nil), rx.payload...),
			LinkQuality: rx.ind.LinkQuality,
			Secured:     rx.secured,
			NwkSecured:  rx.ind.Secured,
		})
	}
}
