package sim

import "errors"

var (
	// ErrInvalidOptions indicates options that cannot drive a run.
	ErrInvalidOptions = errors.New("sim: invalid options")

	// ErrRoundBusy indicates the current round is ended but unsettled by someone else.
	ErrRoundBusy = errors.New("sim: current round cannot be joined")
)
