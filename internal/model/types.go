// Package model holds identifier helpers shared across packages.
package model

import "github.com/google/uuid"

// NewID generates a UUIDv7 (time-ordered) identifier, used for fetch-loop
// run IDs so consecutive runs of the same job sort and diff cleanly in
// logs.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
