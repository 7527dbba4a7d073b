// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package reconnect

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
)

// stream exchanges messages with a peer over an ordered byte stream.
// Messages are encoded as CBOR data items written back to back. Sending
// never blocks; a background goroutine writes the queued messages in the
// order they were sent, so both peers can pipeline requests and responses
// without deadlocking on a synchronous connection.
type stream struct {
	ctx     context.Context
	conn    io.ReadWriteCloser
	decoder *cbor.Decoder
	timeout time.Duration

	mutex   sync.Mutex
	queue   []*message
	closing bool
	err     error
	sent    int

	received int // only accessed by the receiving goroutine

	signal    chan struct{}
	done      chan struct{}
	stopWatch func() bool
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// newStream starts a stream on the given connection. The connection is
// closed if the context is canceled before the stream is closed. Reads and
// writes time out after the given duration if the connection supports
// deadlines and the timeout is positive.
func newStream(ctx context.Context, conn io.ReadWriteCloser, timeout time.Duration) *stream {
	res := &stream{
		ctx:     ctx,
		conn:    conn,
		decoder: cbor.NewDecoder(timeoutReader{conn, timeout}),
		timeout: timeout,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	res.stopWatch = context.AfterFunc(ctx, func() { conn.Close() })
	go res.write()
	return res
}

func (s *stream) send(msg *message) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.closing {
		return errors.New("stream is closed")
	}
	s.queue = append(s.queue, msg)
	s.sent++
	s.notify()
	return nil
}

func (s *stream) receive() (*message, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	res := &message{}
	if err := s.decoder.Decode(res); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "failed to receive message")
	}
	s.received++
	return res, nil
}

func (s *stream) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *stream) write() {
	defer close(s.done)
	writer := bufio.NewWriter(timeoutWriter{s.conn, s.timeout})
	encoder := cbor.NewEncoder(writer)
	for {
		s.mutex.Lock()
		batch := s.queue
		s.queue = nil
		closing := s.closing
		s.mutex.Unlock()

		if len(batch) == 0 {
			if closing {
				return
			}
			<-s.signal
			continue
		}

		var err error
		for _, msg := range batch {
			if err = encoder.Encode(msg); err != nil {
				break
			}
		}
		if err == nil {
			err = writer.Flush()
		}
		if err != nil {
			s.mutex.Lock()
			s.err = errors.Wrap(err, "failed to send message")
			s.queue = nil
			s.mutex.Unlock()
			return
		}
	}
}

// close waits until all sent messages are written and stops the stream.
// The connection remains open.
func (s *stream) close() error {
	s.mutex.Lock()
	s.closing = true
	s.mutex.Unlock()
	s.notify()
	<-s.done
	s.stopWatch()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

// abort stops the stream by closing the connection. Queued messages are
// dropped.
func (s *stream) abort() {
	s.stopWatch()
	s.conn.Close()
	s.mutex.Lock()
	s.closing = true
	s.mutex.Unlock()
	s.notify()
	<-s.done
}

func (s *stream) getSent() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sent
}

type timeoutReader struct {
	conn    io.Reader
	timeout time.Duration
}

func (r timeoutReader) Read(data []byte) (int, error) {
	if conn, ok := r.conn.(readDeadliner); ok && r.timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(data)
}

type timeoutWriter struct {
	conn    io.Writer
	timeout time.Duration
}

func (w timeoutWriter) Write(data []byte) (int, error) {
	if conn, ok := w.conn.(writeDeadliner); ok && w.timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
	}
	return w.conn.Write(data)
}
