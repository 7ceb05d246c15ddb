package mac

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"zigbee-go-stack/internal/sys"
)

const confirmTimeout = 5 * time.Second

// ErrClosed is returned by requests issued after Close.
var ErrClosed = errors.New("mac: radio closed")

// SerialRadio drives an 802.15.4 radio co-processor over a UART. Frames are
// HDLC framed; each request carries a TSN echoed by its confirm.
// Confirms and indications are delivered as tasks on the stack's Env.
type SerialRadio struct {
	env    *sys.Env
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger
	ext    ExtAddr

	tsn     atomic.Uint32
	mu      sync.Mutex
	pending map[uint8]*pendingConfirm
	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onData    func(DataInd)
	onAssoc   func(AssociateInd)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type pendingConfirm struct {
	id      uint8
	deliver func(body []byte)
	fail    func(Status)
	timer   sys.Stopper
	// direct confirms run on the read goroutine instead of as tasks.
	direct bool
}

var _ MAC = (*SerialRadio)(nil)

// OpenSerialRadio opens portName and queries the co-processor's extended
// address.
func OpenSerialRadio(ctx context.Context, env *sys.Env, portName string, baudRate int, logger *slog.Logger) (*SerialRadio, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial radio: open %s: %w", portName, err)
	}
	// USB CDC ACM bridges need DTR/RTS asserted before the firmware talks.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	r, err := NewSerialRadio(ctx, env, port, logger)
	if err != nil {
		port.Close()
		return nil, err
	}
	return r, nil
}

// NewSerialRadio starts the read loop on port and queries the extended address.
func NewSerialRadio(ctx context.Context, env *sys.Env, port io.ReadWriteCloser, logger *slog.Logger) (*SerialRadio, error) {
	r := &SerialRadio{
		env:     env,
		port:    port,
		reader:  bufio.NewReader(port),
		logger:  logger.With("component", "serial_radio"),
		pending: make(map[uint8]*pendingConfirm),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.readLoop()

	ext, err := r.queryExtAddr(ctx)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("serial radio: query extended address: %w", err)
	}
	r.ext = ext
	r.logger.Info("radio co-processor ready", "ext", ext.String())
	return r, nil
}

func (r *SerialRadio) queryExtAddr(ctx context.Context) (ExtAddr, error) {
	type result struct {
		ext    ExtAddr
		status Status
	}
	ch := make(chan result, 1)
	err := r.send(primGetExtReq, nil, &pendingConfirm{
		id:     primGetExtConf,
		direct: true,
		deliver: func(body []byte) {
			if len(body) < 8 {
				ch <- result{status: StatusInvalidParameter}
				return
			}
			ch <- result{ext: ExtAddr(binary.LittleEndian.Uint64(body))}
		},
		fail: func(s Status) { ch <- result{status: s} },
	})
	if err != nil {
		return 0, err
	}
	select {
	case res := <-ch:
		if res.status != StatusSuccess {
			return 0, res.status.Err()
		}
		return res.ext, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-r.done:
		return 0, ErrClosed
	}
}

func (r *SerialRadio) nextTSN() uint8 {
	return uint8(r.tsn.Add(1))
}

// send writes a request and registers p to receive its confirm.
func (r *SerialRadio) send(id uint8, body []byte, p *pendingConfirm) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	tsn := r.nextTSN()
	if p != nil {
		p.timer = r.env.Clock.AfterFunc(confirmTimeout, func() {
			r.mu.Lock()
			cur, ok := r.pending[tsn]
			if ok && cur == p {
				delete(r.pending, tsn)
			}
			r.mu.Unlock()
			if ok && cur == p {
				r.logger.Warn("confirm timeout", "prim", primName(id), "tsn", tsn)
				r.expire(p, StatusTransactionExpired)
			}
		})
		r.mu.Lock()
		if old, ok := r.pending[tsn]; ok {
			old.timer.Stop()
			r.expire(old, StatusTransactionOverflow)
		}
		r.pending[tsn] = p
		r.mu.Unlock()
	}

	raw := hdlcEncode(encodePrimitive(primitive{ID: id, TSN: tsn, Body: body}))
	r.writeMu.Lock()
	_, err := r.port.Write(raw)
	r.writeMu.Unlock()
	if err != nil {
		if p != nil {
			r.mu.Lock()
			delete(r.pending, tsn)
			r.mu.Unlock()
			p.timer.Stop()
		}
		return fmt.Errorf("serial write: %w", err)
	}
	r.logger.Debug("radio TX", "prim", primName(id), "tsn", tsn, "len", len(body))
	return nil
}

func (r *SerialRadio) expire(p *pendingConfirm, s Status) {
	if p.fail == nil {
		return
	}
	if p.direct {
		p.fail(s)
		return
	}
	r.env.Tasks.Post(func() { p.fail(s) })
}

// request is send for calls made from stack tasks: a write failure becomes
// a failed confirm instead of an error return.
func (r *SerialRadio) request(id uint8, body []byte, p *pendingConfirm) {
	if err := r.send(id, body, p); err != nil {
		r.logger.Error("radio request failed", "prim", primName(id), "err", err)
		if p != nil {
			r.expire(p, StatusChannelAccessFailure)
		}
	}
}

func (r *SerialRadio) readLoop() {
	defer r.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-r.done:
			return
		default:
		}

		raw, err := readHDLCFrame(r.reader)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				r.logger.Error("serial read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-r.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		data, err := hdlcDecode(raw)
		if err != nil {
			r.logger.Warn("hdlc decode error", "err", err)
			continue
		}
		p, err := decodePrimitive(data)
		if err != nil {
			r.logger.Warn("primitive decode error", "err", err)
			continue
		}
		r.logger.Debug("radio RX", "prim", primName(p.ID), "tsn", p.TSN, "len", len(p.Body))

		if isIndication(p.ID) {
			r.handleIndication(p)
			continue
		}

		r.mu.Lock()
		pc, ok := r.pending[p.TSN]
		if ok && pc.id == p.ID {
			delete(r.pending, p.TSN)
		} else {
			ok = false
		}
		r.mu.Unlock()
		if !ok {
			r.logger.Warn("orphaned confirm", "prim", primName(p.ID), "tsn", p.TSN)
			continue
		}
		pc.timer.Stop()
		if pc.direct {
			pc.deliver(p.Body)
			continue
		}
		body := p.Body
		r.env.Tasks.Post(func() { pc.deliver(body) })
	}
}

func (r *SerialRadio) handleIndication(p primitive) {
	r.handlerMu.RLock()
	onData := r.onData
	onAssoc := r.onAssoc
	r.handlerMu.RUnlock()

	switch p.ID {
	case primDataInd:
		ind, err := decodeDataInd(p.Body)
		if err != nil {
			r.logger.Warn("bad data indication", "err", err)
			return
		}
		if onData != nil {
			r.env.Tasks.Post(func() { onData(ind) })
		}
	case primAssociateInd:
		ind, err := decodeAssociateInd(p.Body)
		if err != nil {
			r.logger.Warn("bad associate indication", "err", err)
			return
		}
		if onAssoc != nil {
			r.env.Tasks.Post(func() { onAssoc(ind) })
		}
	}
}

func (r *SerialRadio) ExtAddr() ExtAddr { return r.ext }

func (r *SerialRadio) DataReq(req *DataReq) {
	confirm := func(c DataConf) {
		if req.Confirm != nil {
			req.Confirm(c)
		}
	}
	r.request(primDataReq, encodeDataReq(req), &pendingConfirm{
		id: primDataConf,
		deliver: func(body []byte) {
			c, err := decodeDataConf(body)
			if err != nil {
				c = DataConf{Handle: req.Handle, Status: StatusInvalidParameter}
			}
			confirm(c)
		},
		fail: func(s Status) { confirm(DataConf{Handle: req.Handle, Status: s}) },
	})
}

func (r *SerialRadio) ScanReq(req *ScanReq) {
	confirm := func(c ScanConf) {
		if req.Confirm != nil {
			req.Confirm(c)
		}
	}
	p := &pendingConfirm{
		id: primScanConf,
		deliver: func(body []byte) {
			c, err := decodeScanConf(body)
			if err != nil {
				c = ScanConf{Status: StatusInvalidParameter, Type: req.Type}
			}
			confirm(c)
		},
		fail: func(s Status) { confirm(ScanConf{Status: s, Type: req.Type}) },
	}
	r.request(primScanReq, encodeScanReq(req), p)
}

func (r *SerialRadio) SetReq(req *SetReq) {
	confirm := func(s Status) {
		if req.Confirm != nil {
			req.Confirm(s)
		}
	}
	r.request(primSetReq, encodeSetReq(req), &pendingConfirm{
		id: primSetConf,
		deliver: func(body []byte) {
			if len(body) < 1 {
				confirm(StatusInvalidParameter)
				return
			}
			confirm(Status(body[0]))
		},
		fail: confirm,
	})
}

func (r *SerialRadio) Associate(req *AssociateReq) {
	confirm := func(c AssociateConf) {
		if req.Confirm != nil {
			req.Confirm(c)
		}
	}
	r.request(primAssociateReq, encodeAssociateReq(req), &pendingConfirm{
		id: primAssociateConf,
		deliver: func(body []byte) {
			c, err := decodeAssociateConf(body)
			if err != nil {
				c = AssociateConf{ShortAddr: NoShortAddr, Status: StatusInvalidParameter}
			}
			confirm(c)
		},
		fail: func(s Status) { confirm(AssociateConf{ShortAddr: NoShortAddr, Status: s}) },
	})
}

func (r *SerialRadio) AssociateResp(resp AssociateResp) {
	r.request(primAssociateResp, encodeAssociateResp(resp), nil)
}

func (r *SerialRadio) ResetReq(confirm func(Status)) {
	if confirm == nil {
		confirm = func(Status) {}
	}
	r.request(primResetReq, nil, &pendingConfirm{
		id: primResetConf,
		deliver: func(body []byte) {
			if len(body) < 1 {
				confirm(StatusInvalidParameter)
				return
			}
			confirm(Status(body[0]))
		},
		fail: confirm,
	})
}

func (r *SerialRadio) OnDataInd(handler func(DataInd)) {
	r.handlerMu.Lock()
	r.onData = handler
	r.handlerMu.Unlock()
}

func (r *SerialRadio) OnAssociateInd(handler func(AssociateInd)) {
	r.handlerMu.Lock()
	r.onAssoc = handler
	r.handlerMu.Unlock()
}

// Close stops the read loop and closes the port. Pending confirms fail.
func (r *SerialRadio) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.port.Close()
		r.wg.Wait()

		r.mu.Lock()
		pending := r.pending
		r.pending = make(map[uint8]*pendingConfirm)
		r.mu.Unlock()
		for _, p := range pending {
			p.timer.Stop()
			r.expire(p, StatusTransactionExpired)
		}
	})
	return err
}
