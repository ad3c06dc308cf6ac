package api

import (
	"github.com/srediag/shmipc-core/pkg/chunk"
	"github.com/srediag/shmipc-core/pkg/relptr"
)

// Loaner hands out chunks and takes them back. Implemented by
// *endpoint.Endpoint (ledger-tracked) and *chunk.Manager (untracked).
type Loaner interface {
	Loan(size uint32) (chunk.Chunk, error)
	Release(c chunk.Chunk) error
}

// Receiver takes shared ownership of a chunk published by another participant.
type Receiver interface {
	Receive(h relptr.Handle) (chunk.Chunk, error)
}

// Reclaimer returns a chunk recorded in a dead participant's ledger.
type Reclaimer interface {
	Reclaim(h relptr.Handle)
}
