package oura

import "errors"

var (
	// ErrNoData is returned when a poll produced nothing usable and there is
	// no earlier snapshot to fall back to. Callers should retry.
	ErrNoData = errors.New("no data available from api")

	// ErrUnknownSensor is returned when a series is emitted for a sensor key
	// that has no statistics metadata.
	ErrUnknownSensor = errors.New("no statistics metadata for sensor")

	errMissingField = errors.New("field missing")
)
