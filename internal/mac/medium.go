package mac

import (
	"fmt"
	"log/slog"
	"time"

	"zigbee-go-stack/internal/sys"
)

const (
	defaultAirtime      = 2 * time.Millisecond
	associationWaitTime = 500 * time.Millisecond
	defaultLinkQuality  = 255
)

// Medium is an in-memory radio channel shared by simulated radios. Every
// radio on a medium runs on the same sys.Env, so a whole mesh executes on
// one task manager and one clock.
type Medium struct {
	env    *sys.Env
	logger *slog.Logger

	// Airtime delays every frame between request and delivery.
	Airtime time.Duration
	// LossRate drops each delivery with this probability.
	LossRate float64

	radios  []*SimRadio
	links   map[[2]ExtAddr]uint8
	pending map[ExtAddr]*pendingAssociation

	Delivered uint64
	Dropped   uint64
}

type pendingAssociation struct {
	joiner *SimRadio
	parent *SimRadio
	req    *AssociateReq
	timer  sys.Stopper
}

// NewMedium creates an empty medium.
func NewMedium(env *sys.Env, logger *slog.Logger) *Medium {
	return &Medium{
		env:     env,
		logger:  logger.With("component", "medium"),
		Airtime: defaultAirtime,
		links:   make(map[[2]ExtAddr]uint8),
		pending: make(map[ExtAddr]*pendingAssociation),
	}
}

// NewRadio attaches a radio with the given extended address.
func (m *Medium) NewRadio(ext ExtAddr) *SimRadio {
	r := &SimRadio{medium: m, ext: ext, pib: DefaultPIB()}
	m.radios = append(m.radios, r)
	return r
}

// Radio returns the attached radio with ext, or nil.
func (m *Medium) Radio(ext ExtAddr) *SimRadio {
	for _, r := range m.radios {
		if r.ext == ext {
			return r
		}
	}
	return nil
}

// Detach removes a radio from the medium (power off).
func (m *Medium) Detach(r *SimRadio) {
	for i, x := range m.radios {
		if x == r {
			m.radios = append(m.radios[:i], m.radios[i+1:]...)
			return
		}
	}
}

func linkKey(a, b ExtAddr) [2]ExtAddr {
	if a > b {
		a, b = b, a
	}
	return [2]ExtAddr{a, b}
}

// Link puts a and b in radio range of each other with the given link quality.
func (m *Medium) Link(a, b ExtAddr, lqi uint8) {
	m.links[linkKey(a, b)] = lqi
}

// Unlink takes a and b out of range.
func (m *Medium) Unlink(a, b ExtAddr) {
	delete(m.links, linkKey(a, b))
}

// LinkAll puts every attached radio in range of every other one.
func (m *Medium) LinkAll() {
	for i, a := range m.radios {
		for _, b := range m.radios[i+1:] {
			m.Link(a.ext, b.ext, defaultLinkQuality)
		}
	}
}

// LinkChain links consecutive radios only, forming a line topology.
func (m *Medium) LinkChain(exts ...ExtAddr) {
	for i := 1; i < len(exts); i++ {
		m.Link(exts[i-1], exts[i], defaultLinkQuality)
	}
}

func (m *Medium) linkQuality(a, b ExtAddr) (uint8, bool) {
	lqi, ok := m.links[linkKey(a, b)]
	return lqi, ok
}

func (m *Medium) neighbors(r *SimRadio) []*SimRadio {
	var out []*SimRadio
	for _, x := range m.radios {
		if x == r || x.pib.Channel != r.pib.Channel {
			continue
		}
		if _, ok := m.linkQuality(r.ext, x.ext); ok {
			out = append(out, x)
		}
	}
	return out
}

func (m *Medium) lost() bool {
	if m.LossRate <= 0 {
		return false
	}
	return m.env.Rand.Float64() < m.LossRate
}

// later runs fn as a task after d.
func (m *Medium) later(d time.Duration, fn func()) sys.Stopper {
	return m.env.Clock.AfterFunc(d, func() { m.env.Tasks.Post(fn) })
}

func (m *Medium) transmit(src *SimRadio, req *DataReq, ind DataInd) {
	delivered := 0
	for _, dst := range m.neighbors(src) {
		if !dst.accepts(req.Dst, req.DstPanID) {
			continue
		}
		if m.lost() {
			m.Dropped++
			continue
		}
		lqi, _ := m.linkQuality(src.ext, dst.ext)
		in := ind
		in.Msdu = append([]byte(nil), ind.Msdu...)
		in.LinkQuality = lqi
		delivered++
		m.Delivered++
		d := dst
		m.env.Tasks.Post(func() { d.indicate(in) })
	}

	status := StatusSuccess
	if req.AckTx && !req.Dst.IsBroadcast() && delivered == 0 {
		status = StatusNoAck
	}
	if req.Confirm != nil {
		conf := DataConf{Handle: req.Handle, Status: status}
		m.env.Tasks.Post(func() { req.Confirm(conf) })
	}
}

func (m *Medium) beacons(r *SimRadio, channels uint32) []PANDescriptor {
	var out []PANDescriptor
	for _, x := range m.radios {
		if x == r || channels&(1<<x.pib.Channel) == 0 || !x.beaconing() {
			continue
		}
		lqi, ok := m.linkQuality(r.ext, x.ext)
		if !ok {
			continue
		}
		out = append(out, PANDescriptor{
			Coord:         Short(x.pib.ShortAddr),
			CoordExt:      x.ext,
			CoordPanID:    x.pib.PanID,
			Channel:       x.pib.Channel,
			LinkQuality:   lqi,
			PermitJoin:    x.pib.AssociationPermit,
			BeaconPayload: append([]byte(nil), x.pib.BeaconPayload...),
		})
	}
	return out
}

func (m *Medium) energy(r *SimRadio, channels uint32) map[uint8]uint8 {
	levels := make(map[uint8]uint8)
	for ch := uint8(11); ch <= 26; ch++ {
		if channels&(1<<ch) == 0 {
			continue
		}
		n := 0
		for _, x := range m.radios {
			if x == r || x.pib.Channel != ch {
				continue
			}
			if _, ok := m.linkQuality(r.ext, x.ext); ok {
				n++
			}
		}
		e := n * 40
		if e > 255 {
			e = 255
		}
		levels[ch] = uint8(e)
	}
	return levels
}

// SimRadio is one node's radio on a Medium. It implements MAC.
type SimRadio struct {
	medium *Medium
	ext    ExtAddr
	pib    PIB

	onData  func(DataInd)
	onAssoc func(AssociateInd)
}

var _ MAC = (*SimRadio)(nil)

func (r *SimRadio) ExtAddr() ExtAddr { return r.ext }

// PIB returns a copy of the radio's attributes.
func (r *SimRadio) PIB() PIB { return r.pib }

func (r *SimRadio) beaconing() bool {
	return r.pib.RxOnWhenIdle && r.pib.ShortAddr != BroadcastShortAddr && r.pib.BeaconPayload != nil
}

func (r *SimRadio) accepts(dst Addr, dstPan PanID) bool {
	if dstPan != BroadcastPanID && dstPan != r.pib.PanID {
		return false
	}
	switch dst.Mode {
	case AddrModeShort:
		if dst.Short == BroadcastShortAddr {
			return r.pib.RxOnWhenIdle
		}
		return dst.Short == r.pib.ShortAddr
	case AddrModeExt:
		return dst.Ext == r.ext
	default:
		return false
	}
}

func (r *SimRadio) indicate(ind DataInd) {
	if r.onData != nil {
		r.onData(ind)
	}
}

func (r *SimRadio) DataReq(req *DataReq) {
	src := Short(r.pib.ShortAddr)
	if req.SrcAddrMode == AddrModeExt {
		src = Ext(r.ext)
	}
	ind := DataInd{
		Src:      src,
		Dst:      req.Dst,
		SrcPanID: r.pib.PanID,
		Msdu:     append([]byte(nil), req.Msdu...),
	}
	m := r.medium
	m.later(m.Airtime, func() { m.transmit(r, req, ind) })
}

func (r *SimRadio) ScanReq(req *ScanReq) {
	m := r.medium
	m.later(ScanTime(req.Channels, req.Duration), func() {
		conf := ScanConf{Status: StatusSuccess, Type: req.Type}
		switch req.Type {
		case ScanActive:
			conf.PANDescriptors = m.beacons(r, req.Channels)
			if len(conf.PANDescriptors) == 0 {
				conf.Status = StatusNoBeacon
			}
		case ScanEnergy:
			conf.EnergyLevels = m.energy(r, req.Channels)
		default:
			conf.Status = StatusInvalidParameter
		}
		if req.Confirm != nil {
			req.Confirm(conf)
		}
	})
}

func (r *SimRadio) SetReq(req *SetReq) {
	status := r.pib.Apply(req.Attr, req.Value)
	if req.Confirm != nil {
		r.medium.env.Tasks.Post(func() { req.Confirm(status) })
	}
}

func (r *SimRadio) ResetReq(confirm func(Status)) {
	r.pib = DefaultPIB()
	delete(r.medium.pending, r.ext)
	if confirm != nil {
		r.medium.env.Tasks.Post(func() { confirm(StatusSuccess) })
	}
}

func (r *SimRadio) Associate(req *AssociateReq) {
	m := r.medium
	r.pib.Channel = req.Channel
	fail := func(s Status) {
		m.later(m.Airtime, func() {
			if req.Confirm != nil {
				req.Confirm(AssociateConf{ShortAddr: NoShortAddr, Status: s})
			}
		})
	}

	var parent *SimRadio
	for _, x := range m.neighbors(r) {
		if x.pib.PanID == req.CoordPanID && x.accepts(req.Coord, req.CoordPanID) {
			parent = x
			break
		}
	}
	if parent == nil {
		fail(StatusNoAck)
		return
	}
	if !parent.pib.AssociationPermit {
		fail(StatusPanAccessDenied)
		return
	}

	p := &pendingAssociation{joiner: r, parent: parent, req: req}
	m.pending[r.ext] = p
	p.timer = m.later(associationWaitTime, func() {
		if m.pending[r.ext] != p {
			return
		}
		delete(m.pending, r.ext)
		m.logger.Debug("association timed out", "device", r.ext.String())
		if req.Confirm != nil {
			req.Confirm(AssociateConf{ShortAddr: NoShortAddr, Status: StatusNoData})
		}
	})
	ind := AssociateInd{DeviceExt: r.ext, Capability: req.Capability}
	m.later(m.Airtime, func() {
		if parent.onAssoc != nil {
			parent.onAssoc(ind)
		}
	})
}

func (r *SimRadio) AssociateResp(resp AssociateResp) {
	m := r.medium
	p, ok := m.pending[resp.DeviceExt]
	if !ok || p.parent != r {
		m.logger.Debug("association response without request", "device", resp.DeviceExt.String())
		return
	}
	delete(m.pending, resp.DeviceExt)
	p.timer.Stop()
	m.later(m.Airtime, func() {
		if resp.Status == StatusSuccess {
			p.joiner.pib.PanID = r.pib.PanID
			p.joiner.pib.ShortAddr = resp.ShortAddr
		}
		if p.req.Confirm != nil {
			p.req.Confirm(AssociateConf{ShortAddr: resp.ShortAddr, Status: resp.Status})
		}
	})
}

func (r *SimRadio) OnDataInd(handler func(DataInd)) { r.onData = handler }

func (r *SimRadio) OnAssociateInd(handler func(AssociateInd)) { r.onAssoc = handler }

func (r *SimRadio) String() string {
	return fmt.Sprintf("radio(%s short=%s pan=%s ch=%d)", r.ext, r.pib.ShortAddr, r.pib.PanID, r.pib.Channel)
}
