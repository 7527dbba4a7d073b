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
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
)

// Strategy is a protocol synchronizing a learner with a teacher. All
// strategies share the same verification rule: a subtree whose digest
// matches on both sides is never transmitted, and the learner only accepts
// a reconstructed tree whose root digest equals the teacher's.
type Strategy interface {
	Mode() vmap.ReconnectMode
	teach(*teacher) error
	learn(*learner) error
}

// GetStrategy returns the strategy implementing the given mode.
func GetStrategy(mode vmap.ReconnectMode) (Strategy, error) {
	switch mode {
	case vmap.Push:
		return pushStrategy{}, nil
	case vmap.PullTopToBottom:
		return pullTopToBottomStrategy{}, nil
	case vmap.PullTwoPhasePessimistic:
		return pullTwoPhaseStrategy{}, nil
	}
	return nil, errors.Newf("unsupported reconnect mode %v", mode)
}

// ----------------------------------------------------------------------------
//                                 Push
// ----------------------------------------------------------------------------

// pushStrategy lets the teacher walk its tree top-down. It offers the
// digest of each node to the learner, which either confirms the subtree as
// the same or requests it. Requested leaves are sent, the children of
// requested internal nodes are offered next.
type pushStrategy struct{}

func (pushStrategy) Mode() vmap.ReconnectMode {
	return vmap.Push
}

func (pushStrategy) teach(t *teacher) error {
	outstanding := map[topology.Path]struct{}{}
	query := func(path topology.Path) error {
		outstanding[path] = struct{}{}
		return t.query(path)
	}
	if !t.layout.IsEmpty() {
		if err := query(topology.RootPath); err != nil {
			return err
		}
	}
	for len(outstanding) > 0 {
		msg, err := t.stream.receive()
		if err != nil {
			return err
		}
		if _, found := outstanding[msg.Path]; !found {
			return unexpected(msg, "for a path not offered")
		}
		delete(outstanding, msg.Path)
		switch msg.Kind {
		case kindRespondSame:
			t.same++
		case kindRequestPath:
			if t.layout.IsLeaf(msg.Path) {
				if err := t.sendLeaf(msg.Path); err != nil {
					return err
				}
				continue
			}
			for _, child := range t.children(msg.Path) {
				if err := query(child); err != nil {
					return err
				}
			}
		default:
			return unexpected(msg, "in response to an offer")
		}
	}
	return t.stream.send(doneMessage())
}

func (pushStrategy) learn(l *learner) error {
	offers := map[topology.Path]struct{}{}
	if !l.layout.IsEmpty() {
		offers[topology.RootPath] = struct{}{}
	}
	requestedLeaves := map[topology.Path]struct{}{}
	for {
		msg, err := l.stream.receive()
		if err != nil {
			return err
		}
		switch msg.Kind {
		case kindRequestPath:
			if _, found := offers[msg.Path]; !found {
				return unexpected(msg, "for a path not expected")
			}
			delete(offers, msg.Path)
			digest, err := msg.getDigest()
			if err != nil {
				return err
			}
			same, err := l.matches(msg.Path, digest)
			if err != nil {
				return err
			}
			if same {
				if err := l.stream.send(sameMessage(msg.Path)); err != nil {
					return err
				}
				continue
			}
			if err := l.stream.send(requestMessage(msg.Path, nil)); err != nil {
				return err
			}
			if l.layout.IsLeaf(msg.Path) {
				requestedLeaves[msg.Path] = struct{}{}
				continue
			}
			for _, child := range getChildren(l.layout, msg.Path) {
				offers[child] = struct{}{}
			}
		case kindRespondLeaf:
			if _, found := requestedLeaves[msg.Path]; !found {
				return unexpected(msg, "for a leaf not requested")
			}
			delete(requestedLeaves, msg.Path)
			if err := l.storeLeaf(msg); err != nil {
				return err
			}
		case kindDone:
			if len(offers) > 0 || len(requestedLeaves) > 0 {
				return unexpected(msg, "before the tree was complete")
			}
			return nil
		default:
			return unexpected(msg, "while learning")
		}
	}
}

// ----------------------------------------------------------------------------
//                           Pull, top to bottom
// ----------------------------------------------------------------------------

// pullTopToBottomStrategy lets the learner request the teacher's tree rank
// by rank starting at the root, offering its own digests. Only subtrees
// reported to differ are descended into.
type pullTopToBottomStrategy struct{}

func (pullTopToBottomStrategy) Mode() vmap.ReconnectMode {
	return vmap.PullTopToBottom
}

func (pullTopToBottomStrategy) teach(t *teacher) error {
	return t.serveRequests()
}

func (pullTopToBottomStrategy) learn(l *learner) error {
	if !l.layout.IsEmpty() {
		if err := l.pull([]topology.Path{topology.RootPath}); err != nil {
			return err
		}
	}
	return l.stream.send(doneMessage())
}

// ----------------------------------------------------------------------------
//                         Pull, two phase pessimistic
// ----------------------------------------------------------------------------

// pullTwoPhaseStrategy expects most leaves to differ. In the first phase,
// the learner requests the parents of all leaves and the leaves of those
// parents reported to differ, skipping the upper ranks. In the second
// phase, it rehashes the reconstructed tree and pulls the internal ranks
// top-down offering the recomputed digests, which must all be confirmed as
// the same by the teacher.
type pullTwoPhaseStrategy struct{}

func (pullTwoPhaseStrategy) Mode() vmap.ReconnectMode {
	return vmap.PullTwoPhasePessimistic
}

func (pullTwoPhaseStrategy) teach(t *teacher) error {
	return t.serveRequests()
}

func (pullTwoPhaseStrategy) learn(l *learner) error {
	if l.layout.IsEmpty() {
		l.verified = true
		return l.stream.send(doneMessage())
	}

	// Phase 1: leaf parents and the leaves below differing ones.
	leafChildren := func(path topology.Path) []topology.Path {
		res := make([]topology.Path, 0, 2)
		for _, child := range getChildren(l.layout, path) {
			if l.layout.IsLeaf(child) {
				res = append(res, child)
			}
		}
		return res
	}
	var parents []topology.Path
	for path := l.layout.FirstLeafPath.Parent(); path <= l.layout.LastLeafPath.Parent(); path++ {
		parents = append(parents, path)
	}
	var leaves []topology.Path
	err := l.request(parents, l.ownDigest, func(msg *message) error {
		switch msg.Kind {
		case kindRespondSame:
			l.matching = append(l.matching, leafChildren(msg.Path)...)
			sameCounter.Inc(1)
		case kindRespondInternal:
			leaves = append(leaves, leafChildren(msg.Path)...)
		default:
			return unexpected(msg, "in response to a request for a leaf parent")
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = l.request(leaves, l.ownDigest, func(msg *message) error {
		switch msg.Kind {
		case kindRespondSame:
			l.sameSubtree(msg.Path)
		case kindRespondLeaf:
			return l.storeLeaf(msg)
		default:
			return unexpected(msg, "in response to a request for a leaf")
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Phase 2: verification of the internal ranks.
	if err := l.copyMatching(); err != nil {
		return err
	}
	l.matching = nil
	if err := l.buffer.Flush(); err != nil {
		return err
	}
	root, err := Rehash(l.target, l.algorithm)
	if err != nil {
		return err
	}
	if root != l.root {
		return errors.Mark(errors.Newf("reconstructed root digest %v differs from teacher's %v", root.Short(), l.root.Short()), ErrProtocol)
	}
	reconstructed := func(path topology.Path) (common.Digest, bool, error) {
		return l.target.LoadInternal(path)
	}
	err = l.request([]topology.Path{topology.RootPath}, reconstructed, func(msg *message) error {
		if msg.Kind != kindRespondSame {
			return errors.Mark(errors.New("reconstructed tree differs from teacher's"), ErrProtocol)
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.verified = true
	return l.stream.send(doneMessage())
}
