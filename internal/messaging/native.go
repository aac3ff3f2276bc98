package messaging

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Browser limits for native messaging frames.
const (
	MaxIncoming = 64 << 20 // extension -> host
	MaxOutgoing = 1 << 20  // host -> extension
)

// ErrFrameTooLarge is returned for frames above the browser limits.
var ErrFrameTooLarge = errors.New("messaging: frame too large")

// ReadFrame reads one length-prefixed message. A clean EOF before the header
// is returned as io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxIncoming {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// WriteFrame writes one length-prefixed message.
func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxOutgoing {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg))
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// Host serves native messaging over a reader/writer pair, usually stdin and
// stdout of the process started by the browser.
type Host struct {
	d   *Dispatcher
	r   io.Reader
	w   io.Writer
	log *zap.Logger

	wmu sync.Mutex
}

// NewHost constructs a native messaging host.
func NewHost(d *Dispatcher, r io.Reader, w io.Writer, log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{d: d, r: r, w: w, log: log}
}

// Serve handles requests until the browser closes the pipe or ctx is done.
// Requests run concurrently; responses are matched by request id.
func (h *Host) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			msg, err := ReadFrame(h.r)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					if errors.Is(err, io.EOF) {
						h.log.Info("native messaging closed by browser")
						return nil
					}
					return err
				default:
					return nil
				}
			}
			var req Request
			if err := json.Unmarshal(msg, &req); err != nil {
				h.log.Warn("drop malformed request", zap.Error(err))
				h.write(&Response{Error: &ErrorBody{Kind: "invalid_input", Message: "malformed request"}})
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.write(h.d.Handle(ctx, &req))
			}()
		}
	}
}

func (h *Host) write(resp *Response) {
	b, err := json.Marshal(resp)
	if err == nil && len(b) > MaxOutgoing {
		b, err = json.Marshal(&Response{ID: resp.ID, Error: &ErrorBody{Kind: "internal", Message: "response too large"}})
	}
	if err != nil {
		h.log.Error("encode response", zap.Error(err))
		return
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := WriteFrame(h.w, b); err != nil {
		h.log.Error("write response", zap.Error(err))
	}
}
