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
	"context"
	"io"
	"time"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// maxRequestsInFlight bounds the number of unanswered requests of a
// pulling learner.
const maxRequestsInFlight = 1024

type learner struct {
	stream    *stream
	algorithm common.HashAlgorithm
	logger    log.Logger

	// The learner's own state, may be nil.
	original       View
	originalLayout topology.Layout

	// The teacher's state.
	layout topology.Layout
	root   common.Digest

	target datasource.DataSource
	buffer *writeBuffer

	// Roots of subtrees found to be the same on both sides, copied from
	// the original once the exchange with the teacher is complete.
	matching []topology.Path
	verified bool

	leaves int
	copied int
}

// Learn synchronizes the state of a teacher connected through conn into the
// given target data source, which has to be empty. Subtrees found to be
// the same as in the original view are copied locally instead of being
// transmitted. The reconstructed tree is rehashed and only accepted if its
// root digest equals the teacher's.
//
// On success, the target holds the teacher's state including all digests
// and remains open. On failure, the connection is closed, the content of
// the target is dropped, and the returned error is marked as ErrProtocol.
// The original view is never modified.
func Learn(
	ctx context.Context,
	conn io.ReadWriteCloser,
	original View,
	target datasource.DataSource,
	config vmap.Config,
) error {
	start := time.Now()
	strategy, err := GetStrategy(config.ReconnectMode)
	if err != nil {
		return err
	}
	if layout, err := target.LoadLayout(); err != nil || !layout.IsEmpty() {
		return errors.CombineErrors(errors.New("target data source of learner is not empty"), err)
	}

	l := &learner{
		algorithm:      config.Hashing,
		logger:         log.New("session", uuid.New().String(), "role", "learner"),
		original:       original,
		originalLayout: topology.EmptyLayout,
		target:         target,
	}
	if original != nil {
		l.originalLayout = getLayout(original)
	}
	l.logger.Info("Reconnect started", "mode", strategy.Mode(), "size", l.originalLayout.Size())

	l.stream = newStream(ctx, conn, config.ReconnectResponseTimeout)
	err = l.run(strategy, config.ReconnectFlushInterval)
	if err != nil {
		l.stream.abort()
		if l.buffer != nil {
			err = errors.CombineErrors(err, l.buffer.Close())
		}
		err = classify(ctx, errors.Wrap(err, "learner failed"))
		if dropErr := datasource.Drop(target); dropErr != nil {
			l.logger.Error("Failed to drop partial state", "err", dropErr)
		}
		l.logger.Warn("Reconnect failed", "err", err)
		return err
	}

	leavesCounter.Inc(int64(l.leaves))
	reconnectTimer.UpdateSince(start)
	l.logger.Info("Reconnect finished",
		"size", l.layout.Size(), "received", l.leaves, "copied", l.copied,
		"messages", l.stream.getSent(), "elapsed", time.Since(start),
	)
	return nil
}

func (l *learner) run(strategy Strategy, flushInterval int) error {
	msg, err := l.stream.receive()
	if err != nil {
		return err
	}
	if msg.Kind != kindMetadata {
		return unexpected(msg, "instead of metadata")
	}
	if l.layout, err = msg.getLayout(); err != nil {
		return err
	}
	if l.root, err = msg.getDigest(); err != nil {
		return err
	}
	if mode, err := vmap.ParseReconnectMode(msg.Mode); err != nil || mode != strategy.Mode() {
		return errors.Mark(errors.Newf("teacher uses mode %q, learner uses %v", msg.Mode, strategy.Mode()), ErrProtocol)
	}
	l.buffer = newWriteBuffer(l.target, l.layout, flushInterval)

	if err := strategy.learn(l); err != nil {
		return err
	}
	if err := l.stream.close(); err != nil {
		return err
	}
	if err := l.copyMatching(); err != nil {
		return err
	}
	if err := l.buffer.Close(); err != nil {
		return err
	}
	if l.verified {
		return nil
	}
	root, err := Rehash(l.target, l.algorithm)
	if err != nil {
		return err
	}
	if root != l.root {
		return errors.Mark(errors.Newf("reconstructed root digest %v differs from teacher's %v", root.Short(), l.root.Short()), ErrProtocol)
	}
	return nil
}

// ownDigest returns the digest of the node at the given path in the
// learner's original state, if there is such a node.
func (l *learner) ownDigest(path topology.Path) (common.Digest, bool, error) {
	if l.original == nil || !l.originalLayout.Contains(path) {
		return common.Digest{}, false, nil
	}
	res, err := l.original.DigestAt(path)
	return res, err == nil, err
}

// matches determines whether the node at the given path is the same in the
// teacher's and the learner's tree. If so, the subtree is scheduled for
// being copied from the original.
func (l *learner) matches(path topology.Path, digest common.Digest) (bool, error) {
	own, found, err := l.ownDigest(path)
	if err != nil || !found || own != digest {
		return false, err
	}
	l.sameSubtree(path)
	return true, nil
}

func (l *learner) sameSubtree(path topology.Path) {
	l.matching = append(l.matching, path)
	sameCounter.Inc(1)
}

// copyMatching copies the leaves of all matching subtrees from the
// original into the target.
func (l *learner) copyMatching() error {
	last := l.originalLayout.LastLeafPath
	for _, root := range l.matching {
		for levels := 0; ; levels++ {
			from, to := root.DescendantRange(levels)
			if from > last {
				break
			}
			from = max(from, l.originalLayout.FirstLeafPath)
			to = min(to, last)
			for path := from; path <= to; path++ {
				if err := l.copyLeaf(path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (l *learner) copyLeaf(path topology.Path) error {
	record, err := l.original.LeafAt(path)
	if err != nil {
		return err
	}
	if record == nil || !l.layout.IsLeaf(path) {
		return errors.Newf("no leaf to copy at path %v", path)
	}
	l.copied++
	return l.buffer.Add(record)
}

// storeLeaf accepts a leaf transmitted by the teacher after checking its
// digest.
func (l *learner) storeLeaf(msg *message) error {
	if !l.layout.IsLeaf(msg.Path) {
		return unexpected(msg, "for a path not addressing a leaf")
	}
	record, err := msg.getRecord()
	if err != nil {
		return err
	}
	if l.algorithm.LeafDigest(record.Key, record.Value) != record.Digest {
		return errors.Mark(errors.Newf("invalid digest of leaf at path %v", msg.Path), ErrProtocol)
	}
	l.leaves++
	return l.buffer.Add(record)
}

type digestSource func(topology.Path) (common.Digest, bool, error)

// request sends requests for the given paths, each offering the digest
// provided by the given source, and passes the responses to the handler in
// order. Requests are pipelined in windows of bounded size. A response
// claiming a subtree to be the same is only accepted if a digest was
// offered for it.
func (l *learner) request(paths []topology.Path, digests digestSource, handle func(*message) error) error {
	offered := make([]bool, maxRequestsInFlight)
	for start := 0; start < len(paths); start += maxRequestsInFlight {
		window := paths[start:min(start+maxRequestsInFlight, len(paths))]
		for i, path := range window {
			digest, found, err := digests(path)
			if err != nil {
				return err
			}
			var msg *message
			if found {
				msg = requestMessage(path, &digest)
			} else {
				msg = requestMessage(path, nil)
			}
			offered[i] = found
			if err := l.stream.send(msg); err != nil {
				return err
			}
		}
		for i, path := range window {
			msg, err := l.stream.receive()
			if err != nil {
				return err
			}
			if msg.Path != path {
				return unexpected(msg, "in response to a request for path "+path.String())
			}
			if msg.Kind == kindRespondSame && !offered[i] {
				return unexpected(msg, "for a path without offered digest")
			}
			if err := handle(msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// pull synchronizes the subtrees of the given roots rank by rank,
// descending only into nodes reported to differ.
func (l *learner) pull(roots []topology.Path) error {
	for frontier := roots; len(frontier) > 0; {
		var next []topology.Path
		err := l.request(frontier, l.ownDigest, func(msg *message) error {
			switch msg.Kind {
			case kindRespondSame:
				l.sameSubtree(msg.Path)
			case kindRespondInternal:
				if !l.layout.IsInternal(msg.Path) {
					return unexpected(msg, "for a path not addressing an internal node")
				}
				next = append(next, getChildren(l.layout, msg.Path)...)
			case kindRespondLeaf:
				return l.storeLeaf(msg)
			default:
				return unexpected(msg, "in response to a request")
			}
			return nil
		})
		if err != nil {
			return err
		}
		frontier = next
	}
	return nil
}

// LearnMap synchronizes the state of a teacher into the given empty target
// data source like Learn and opens the result as a new virtual map. The
// original map, which may be nil, remains untouched.
func LearnMap[K any, V any](
	ctx context.Context,
	conn io.ReadWriteCloser,
	original *vmap.VirtualMap[K, V],
	target datasource.DataSource,
	keyCodec common.KeyCodec[K],
	valueCodec common.ValueCodec[V],
	config vmap.Config,
) (*vmap.VirtualMap[K, V], error) {
	var view View
	if original != nil {
		view = original
	}
	if err := Learn(ctx, conn, view, target, config); err != nil {
		return nil, err
	}
	return vmap.New[K, V](target, keyCodec, valueCodec, config)
}
