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
	"fmt"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
)

// ErrProtocol marks every failed reconnect attempt, including malformed or
// unexpected messages, digest mismatches, timeouts, cancellations and I/O
// errors of the participants.
const ErrProtocol = common.ConstError("reconnect protocol error")

type messageKind uint8

const (
	kindMetadata messageKind = iota + 1
	kindRequestPath
	kindRespondSame
	kindRespondInternal
	kindRespondLeaf
	kindDone
)

var messageKindNames = map[messageKind]string{
	kindMetadata:        "Metadata",
	kindRequestPath:     "RequestPath",
	kindRespondSame:     "RespondSame",
	kindRespondInternal: "RespondInternal",
	kindRespondLeaf:     "RespondLeaf",
	kindDone:            "Done",
}

func (k messageKind) String() string {
	if name, found := messageKindNames[k]; found {
		return name
	}
	return fmt.Sprintf("messageKind(%d)", uint8(k))
}

// message is the unit exchanged between teacher and learner. Which of the
// fields are used depends on the kind:
//
//	Metadata         First, Last, Digest (root), Mode
//	RequestPath      Path, Digest (optional, digest known by the sender)
//	RespondSame      Path
//	RespondInternal  Path, Digest
//	RespondLeaf      Path, Key, Value, Digest
//	Done             -
type message struct {
	Kind   messageKind   `cbor:"1,keyasint"`
	Path   topology.Path `cbor:"2,keyasint,omitempty"`
	Digest []byte        `cbor:"3,keyasint,omitempty"`
	Key    []byte        `cbor:"4,keyasint,omitempty"`
	Value  []byte        `cbor:"5,keyasint,omitempty"`
	First  topology.Path `cbor:"6,keyasint,omitempty"`
	Last   topology.Path `cbor:"7,keyasint,omitempty"`
	Mode   string        `cbor:"8,keyasint,omitempty"`
}

func metadataMessage(layout topology.Layout, root common.Digest, mode vmap.ReconnectMode) *message {
	return &message{
		Kind:   kindMetadata,
		Digest: root[:],
		First:  layout.FirstLeafPath,
		Last:   layout.LastLeafPath,
		Mode:   mode.String(),
	}
}

// requestMessage asks for the node at the given path. If the sender knows a
// digest for the path, it is included such that the receiver can prune the
// subtree on a match.
func requestMessage(path topology.Path, digest *common.Digest) *message {
	res := &message{Kind: kindRequestPath, Path: path}
	if digest != nil {
		res.Digest = digest[:]
	}
	return res
}

func sameMessage(path topology.Path) *message {
	return &message{Kind: kindRespondSame, Path: path}
}

func internalMessage(path topology.Path, digest common.Digest) *message {
	return &message{Kind: kindRespondInternal, Path: path, Digest: digest[:]}
}

func leafMessage(record *datasource.LeafRecord) *message {
	return &message{
		Kind:   kindRespondLeaf,
		Path:   record.Path,
		Key:    record.Key,
		Value:  record.Value,
		Digest: record.Digest[:],
	}
}

func doneMessage() *message {
	return &message{Kind: kindDone}
}

func (m *message) hasDigest() bool {
	return len(m.Digest) > 0
}

func (m *message) getDigest() (common.Digest, error) {
	res, err := common.DigestFromBytes(m.Digest)
	if err != nil {
		return res, errors.Mark(errors.Wrapf(err, "invalid %v message", m.Kind), ErrProtocol)
	}
	return res, nil
}

func (m *message) getLayout() (topology.Layout, error) {
	res := topology.Layout{FirstLeafPath: m.First, LastLeafPath: m.Last}
	if topology.LayoutForSize(res.Size()) != res {
		return res, errors.Mark(errors.Newf("invalid leaf range [%v,%v]", m.First, m.Last), ErrProtocol)
	}
	return res, nil
}

func (m *message) getRecord() (*datasource.LeafRecord, error) {
	digest, err := m.getDigest()
	if err != nil {
		return nil, err
	}
	return &datasource.LeafRecord{Path: m.Path, Key: m.Key, Value: m.Value, Digest: digest}, nil
}

func (m *message) String() string {
	switch m.Kind {
	case kindMetadata:
		return fmt.Sprintf("%v([%v,%v],%s)", m.Kind, m.First, m.Last, m.Mode)
	case kindDone:
		return m.Kind.String()
	}
	return fmt.Sprintf("%v(%v)", m.Kind, m.Path)
}

// unexpected produces the error reported for a message violating the
// protocol.
func unexpected(msg *message, where string) error {
	return errors.Mark(errors.Newf("unexpected message %v %s", msg, where), ErrProtocol)
}
