package lowertransport

import "github.com/pkg/errors"

// Sentinel errors used internally for classification, metrics labeling
// and logging (spec.md §7). None of these ever cross the Upper Transport
// boundary — that interface only ever sees the Status enum.
var (
	ErrReplay             = errors.New("lowertransport: replayed or stale SEQ")
	ErrStaleSeqAuth       = errors.New("lowertransport: stale SeqAuth")
	ErrDuplicateCompleted = errors.New("lowertransport: duplicate segment of completed message")
	ErrReassemblyBusy     = errors.New("lowertransport: peer has an active reassembly for a different message")
	ErrNoTransportPDU     = errors.New("lowertransport: transport PDU pool exhausted")
	ErrUnknownNetKey      = errors.New("lowertransport: unknown netkey index")
	ErrOutgoingBusy       = errors.New("lowertransport: a segmented send is already in flight")
)

// wrapf annotates err with a call-site message the way the teacher
// codebase wraps errors throughout pkg/client, without changing the
// sentinel identity (errors.Is keeps working against the vars above).
func wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}
