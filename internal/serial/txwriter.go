package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-ais-relay/internal/logging"
	"github.com/kstaniek/go-ais-relay/internal/metrics"
	"github.com/kstaniek/go-ais-relay/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// Greeting is written once right after the device is opened.
const Greeting = "aisdecoder nmea connection\r\n"

// TXWriter funnels all serial writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a serial TXWriter with a buffered queue of size buf.
// The serial_tx_queue_depth gauge follows the queue on every enqueue and write.
func NewTXWriter(parent context.Context, sp Port, buf int) *TXWriter {
	w := &TXWriter{}
	send := func(p []byte) error {
		_, err := sp.Write(p)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			w.observeDepth()
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Warn("serial_write_error", "error", err)
		},
		OnAfter: func() {
			w.observeDepth()
			metrics.IncSinkWrite(metrics.SinkSerial)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	w.base = transport.NewAsyncTx(parent, buf, send, hooks)
	return w
}

// Send queues a sentence for asynchronous write (drops with ErrTxOverflow if the queue is full).
func (w *TXWriter) Send(p []byte) error {
	err := w.base.Send(p)
	w.observeDepth()
	return err
}

// Pending reports the number of sentences waiting to be written.
func (w *TXWriter) Pending() int { return w.base.Len() }

func (w *TXWriter) observeDepth() { metrics.SetSerialQueueDepth(w.base.Len()) }

// Close stops the writer and waits for pending goroutine exit. Queued
// sentences are discarded.
func (w *TXWriter) Close() {
	w.base.Close()
	metrics.SetSerialQueueDepth(0)
}
