package entity

import "errors"

var (
	// ErrDeleted indicates a mutation of a tombstoned entity
	ErrDeleted = errors.New("entity: mutation on deleted entity")

	// ErrInvalidName indicates an empty, reserved or malformed name
	ErrInvalidName = errors.New("entity: invalid name")

	// ErrInvalidValue indicates a property value that cannot be stored
	ErrInvalidValue = errors.New("entity: invalid value")
)
