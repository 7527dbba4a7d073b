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

// View is the read access to one hashed generation of a virtual map needed
// by the participants of a reconnect. VirtualMap implements it.
type View interface {
	FirstLeafPath() topology.Path
	LastLeafPath() topology.Path
	// LeafAt returns the leaf at the given path including its digest.
	LeafAt(topology.Path) (*datasource.LeafRecord, error)
	// DigestAt returns the digest of the node at the given path.
	DigestAt(topology.Path) (common.Digest, error)
}

func getLayout(view View) topology.Layout {
	return topology.Layout{FirstLeafPath: view.FirstLeafPath(), LastLeafPath: view.LastLeafPath()}
}

type teacher struct {
	stream *stream
	view   View
	layout topology.Layout
	logger log.Logger
	leaves int
	same   int
}

// Teach serves the given generation to a learner connected through conn
// until the learner is synchronized. The protocol is selected by the
// configured reconnect mode, which has to match the learner's. The view
// must be hashed and stay retained while teaching. On failure the
// connection is closed and the returned error is marked as ErrProtocol.
func Teach(ctx context.Context, conn io.ReadWriteCloser, view View, config vmap.Config) error {
	start := time.Now()
	strategy, err := GetStrategy(config.ReconnectMode)
	if err != nil {
		return err
	}
	t := &teacher{
		view:   view,
		layout: getLayout(view),
		logger: log.New("session", uuid.New().String(), "role", "teacher"),
	}
	root, err := view.DigestAt(topology.RootPath)
	if err != nil {
		return errors.Wrap(err, "failed to get root digest of teacher")
	}
	t.logger.Info("Reconnect started", "mode", strategy.Mode(), "size", t.layout.Size())

	t.stream = newStream(ctx, conn, config.ReconnectResponseTimeout)
	err = t.stream.send(metadataMessage(t.layout, root, strategy.Mode()))
	if err == nil {
		err = strategy.teach(t)
	}
	if err == nil {
		err = t.stream.close()
	}
	if err != nil {
		t.stream.abort()
		err = classify(ctx, errors.Wrap(err, "teacher failed"))
		t.logger.Warn("Reconnect failed", "err", err)
		return err
	}
	t.logger.Info("Reconnect finished",
		"leaves", t.leaves, "same", t.same,
		"messages", t.stream.getSent(), "elapsed", time.Since(start),
	)
	return nil
}

// query announces the digest of the node at the given path to the learner.
func (t *teacher) query(path topology.Path) error {
	digest, err := t.view.DigestAt(path)
	if err != nil {
		return err
	}
	return t.stream.send(requestMessage(path, &digest))
}

func (t *teacher) sendLeaf(path topology.Path) error {
	record, err := t.view.LeafAt(path)
	if err != nil {
		return err
	}
	if record == nil {
		return errors.Newf("missing leaf at path %v", path)
	}
	t.leaves++
	return t.stream.send(leafMessage(record))
}

// children lists the children of the given internal node present in the
// teacher's tree.
func (t *teacher) children(path topology.Path) []topology.Path {
	return getChildren(t.layout, path)
}

// serveRequests answers requests of a pulling learner until it is done.
func (t *teacher) serveRequests() error {
	for {
		msg, err := t.stream.receive()
		if err != nil {
			return err
		}
		switch msg.Kind {
		case kindDone:
			return nil
		case kindRequestPath:
			if !t.layout.Contains(msg.Path) {
				return unexpected(msg, "for a path outside of the tree")
			}
			response, err := t.answer(msg)
			if err != nil {
				return err
			}
			if err := t.stream.send(response); err != nil {
				return err
			}
		default:
			return unexpected(msg, "while serving requests")
		}
	}
}

// answer compares the digest offered by the learner with the teacher's
// digest of the requested node. Matching subtrees are reported as the
// same, others are transmitted.
func (t *teacher) answer(request *message) (*message, error) {
	path := request.Path
	digest, err := t.view.DigestAt(path)
	if err != nil {
		return nil, err
	}
	if request.hasDigest() {
		offered, err := request.getDigest()
		if err != nil {
			return nil, err
		}
		if offered == digest {
			t.same++
			return sameMessage(path), nil
		}
	}
	if t.layout.IsLeaf(path) {
		record, err := t.view.LeafAt(path)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, errors.Newf("missing leaf at path %v", path)
		}
		t.leaves++
		return leafMessage(record), nil
	}
	return internalMessage(path, digest), nil
}

func getChildren(layout topology.Layout, path topology.Path) []topology.Path {
	res := make([]topology.Path, 0, 2)
	for _, child := range []topology.Path{path.LeftChild(), path.RightChild()} {
		if layout.Contains(child) {
			res = append(res, child)
		}
	}
	return res
}

// classify marks the given failure as a protocol error, and as caused by
// the context if it got canceled.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = errors.Mark(err, ctxErr)
	}
	return errors.Mark(err, ErrProtocol)
}
