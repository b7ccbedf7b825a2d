package sync

import "time"

// Winner names the side of a matched pair whose fields are kept.
type Winner int

const (
	RemoteWins Winner = iota
	LocalWins
)

func (w Winner) String() string {
	if w == LocalWins {
		return "local"
	}
	return "remote"
}

// ConflictPolicy picks the winner of a matched pair from the two
// modification times. The reconciler calls nothing else to resolve
// conflicts, so a different policy can be swapped in via [WithPolicy].
type ConflictPolicy func(localUpdated, remoteUpdated time.Time) Winner

// LastWriteWins keeps the side with the later timestamp. Equal timestamps
// favour the remote side.
func LastWriteWins(localUpdated, remoteUpdated time.Time) Winner {
	if remoteUpdated.Before(localUpdated) {
		return LocalWins
	}
	return RemoteWins
}
