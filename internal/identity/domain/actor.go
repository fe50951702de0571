// Package domain describes who is calling: the verified identity carried by a
// bearer token and the directory users synced from the identity provider.
package domain

import (
	"context"
	"errors"
)

var (
	ErrMissingToken = errors.New("missing_token")
	ErrInvalidToken = errors.New("invalid_token")
)

// Actor is the authenticated end user performing an action.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

func (a Actor) Valid() bool {
	return a.ID != ""
}

type Verifier interface {
	Verify(ctx context.Context, bearerToken string) (Actor, error)
}

// DirectoryUser is one entry of the identity provider's user listing.
type DirectoryUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type DirectoryPage struct {
	Users     []DirectoryUser `json:"users"`
	NextToken string          `json:"next_page_token"`
}

type Directory interface {
	ListUsers(ctx context.Context, pageToken string, pageSize int) (DirectoryPage, error)
}
