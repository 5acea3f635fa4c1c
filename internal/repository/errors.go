// Package repository holds the error values shared by every storage backend.
package repository

import "errors"

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record changed concurrently")
	ErrDuplicateEmail  = errors.New("email already registered")
	ErrDuplicateMobile = errors.New("mobile already registered")
	ErrChallengeLocked = errors.New("challenge locked")
	ErrStateConflict   = errors.New("record not in an allowed state")
)
