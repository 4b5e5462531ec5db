package database

import "errors"

var (
	ErrSettlementNotFound = errors.New("settlement not found")
)
