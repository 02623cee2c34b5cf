package producer

import (
	"fmt"
	"time"

	"github.com/lumakit/go-matte/internal/log"
	"github.com/lumakit/go-matte/pkg/mask"
	"github.com/lumakit/go-matte/pkg/pipeline"
)

// DefaultInitTimeout bounds worker startup (model load included); after it
// expires the caller falls back to the in-thread adapter.
const DefaultInitTimeout = 30 * time.Second

// Worker runs an Adapter on a dedicated goroutine. The contract matches
// the in-thread adapter, made asynchronous:
//
//   - At most one segment request is in flight. TrySubmit refuses while
//     busy and the caller simply interpolates that frame.
//   - Buffers cross the channel by ownership transfer, never by copy. The
//     worker only touches its buffers inside a segment, and the caller
//     consumes a result before it can submit the next request, so the two
//     sides never race.
type Worker struct {
	reqCh chan segmentReq
	resCh chan *Result
	ctlCh chan func(a *Adapter)
	quit  chan struct{}

	// busy is only touched from the submitting side.
	busy bool
}

type segmentReq struct {
	frame       *pipeline.Frame
	timestampMs float64
	crop        *mask.Rect
}

// NewWorker starts the worker goroutine, constructing the producer there
// so slow model loads never block the frame loop. It waits up to timeout
// for readiness; on failure the caller should fall back to NewAdapter.
func NewWorker(factory func() (Producer, error), cfg Config, timeout time.Duration) (*Worker, error) {
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}
	w := &Worker{
		reqCh: make(chan segmentReq, 1),
		resCh: make(chan *Result, 1),
		ctlCh: make(chan func(a *Adapter), 8),
		quit:  make(chan struct{}),
	}

	ready := make(chan error, 1)
	go w.run(factory, cfg, ready)

	select {
	case err := <-ready:
		if err != nil {
			return nil, fmt.Errorf("worker init: %w", err)
		}
		return w, nil
	case <-time.After(timeout):
		close(w.quit)
		return nil, fmt.Errorf("worker init timed out after %v", timeout)
	}
}

func (w *Worker) run(factory func() (Producer, error), cfg Config, ready chan<- error) {
	p, err := factory()
	if err != nil {
		ready <- err
		return
	}
	adapter := NewAdapter(p, cfg)
	defer adapter.Close()
	ready <- nil

	for {
		select {
		case <-w.quit:
			return
		case ctl := <-w.ctlCh:
			ctl(adapter)
		case req := <-w.reqCh:
			// Apply pending control changes before segmenting so tier
			// changes take effect on the next model call.
			for {
				select {
				case ctl := <-w.ctlCh:
					ctl(adapter)
					continue
				default:
				}
				break
			}
			res := adapter.Segment(req.frame, req.timestampMs, req.crop)
			select {
			case w.resCh <- res:
			case <-w.quit:
				return
			}
		}
	}
}

// TrySubmit hands a frame to the worker. It returns false without blocking
// when a request is already in flight; the caller interpolates instead.
// The frame's pixel buffer is owned by the worker until the matching
// result is polled.
func (w *Worker) TrySubmit(frame *pipeline.Frame, timestampMs float64, crop *mask.Rect) bool {
	if w.busy {
		return false
	}
	select {
	case w.reqCh <- segmentReq{frame: frame, timestampMs: timestampMs, crop: crop}:
		w.busy = true
		return true
	default:
		return false
	}
}

// Poll returns a finished result without blocking, or nil when none is
// ready yet.
func (w *Worker) Poll() *Result {
	select {
	case res := <-w.resCh:
		w.busy = false
		return res
	default:
		return nil
	}
}

// Busy reports whether a segment request is in flight.
func (w *Worker) Busy() bool { return w.busy }

// SetModelSize forwards a model-resolution change; it is applied before
// the next segment runs.
func (w *Worker) SetModelSize(width, height int) {
	w.control(func(a *Adapter) { a.SetModelSize(width, height) })
}

// Reset forwards a history reset to the worker's adapter.
func (w *Worker) Reset() {
	w.control(func(a *Adapter) { a.Reset() })
}

func (w *Worker) control(fn func(a *Adapter)) {
	select {
	case w.ctlCh <- fn:
	default:
		log.Component("producer").Warn("worker control queue full, dropping")
	}
}

// Close stops the worker goroutine. Outstanding results are discarded.
func (w *Worker) Close() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
}
