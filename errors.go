package smc

import "errors"

var (
	// ErrContract is returned when a caller violates an operation contract:
	// mismatched lengths, out of range indices, invalid horizons or thresholds.
	ErrContract = errors.New("contract violation")
	// ErrNumerical is returned when a numerical routine fails,
	// e.g. a covariance matrix which is not positive definite.
	ErrNumerical = errors.New("numerical error")
	// ErrUnsupported is returned by strategies which do not implement a variant.
	ErrUnsupported = errors.New("unsupported operation")
)
