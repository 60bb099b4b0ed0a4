// Package profile supplies applicant contact data and documents from the
// external profile service boundary.
package profile

import (
	"context"
	"errors"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// Static serves a fixed profile, typically loaded from configuration.
type Static struct {
	profile apply.Profile
}

// NewStatic validates and wraps a fixed profile.
func NewStatic(p apply.Profile) (*Static, error) {
	switch {
	case p.FirstName == "" || p.LastName == "":
		return nil, errors.New("profile requires first and last name")
	case p.Email == "":
		return nil, errors.New("profile requires an email address")
	case p.ResumeRef == "":
		return nil, errors.New("profile requires a resume blob reference")
	}
	return &Static{profile: p}, nil
}

// Profile returns the configured applicant profile.
func (s *Static) Profile(_ context.Context) (apply.Profile, error) {
	return s.profile, nil
}
