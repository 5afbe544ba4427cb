package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two.
// It wraps ErrInvalidArgument.
var PowerOfTwoError error = errors.Wrap(ErrInvalidArgument, "number must be a power of two")

// ErrInvalidArgument is wrapped by every error caused by a malformed request from the caller: zero sizes,
// bad alignments, frees of unknown handles, and stack discipline violations. These are never retried.
var ErrInvalidArgument error = errors.New("invalid argument")

// ErrCorruptedLedger is wrapped by errors and panics raised when a suballocation ledger fails its own
// internal consistency checks
var ErrCorruptedLedger error = errors.New("suballocation ledger is corrupted")
