package iscsi

import "github.com/iscsi-scst/go-iscsi-core/internal/constants"

// Re-export tunables for the public API.
const (
	DefaultMaxRecvDataLength = constants.DefaultMaxRecvDataLength
	DefaultMaxXmitDataLength = constants.DefaultMaxXmitDataLength
	DefaultFirstBurstLength  = constants.DefaultFirstBurstLength
	DefaultMaxBurstLength    = constants.DefaultMaxBurstLength
	DefaultMaxOutstandingR2T = constants.DefaultMaxOutstandingR2T
)
