package visibility

import (
	"sync/atomic"

	"github.com/go-playground/validator/v10"

	"trustfeed/backend/internal/constants"
)

// Settings are the viewer's display preferences
type Settings struct {
	HideEventsByUnknownUsers         bool `json:"hideEventsByUnknownUsers"`
	HidePostsByMutedMoreThanFollowed bool `json:"hidePostsByMutedMoreThanFollowed"`
	UnknownHorizon                   int  `json:"unknownHorizon" validate:"gte=0,lte=100"`
}

// DefaultSettings returns the settings a fresh install starts with
func DefaultSettings() Settings {
	return Settings{
		HideEventsByUnknownUsers:         false,
		HidePostsByMutedMoreThanFollowed: true,
		UnknownHorizon:                   constants.DefaultUnknownHorizon,
	}
}

var validate = validator.New()

// Validate checks the settings ranges
func (s Settings) Validate() error {
	return validate.Struct(s)
}

// SettingsProvider is read on every evaluation; implementations must be cheap
type SettingsProvider interface {
	Settings() Settings
}

// AtomicSettings is a SettingsProvider that can be swapped at runtime
type AtomicSettings struct {
	v atomic.Pointer[Settings]
}

// NewAtomicSettings creates a provider holding s
func NewAtomicSettings(s Settings) *AtomicSettings {
	a := &AtomicSettings{}
	a.Store(s)
	return a
}

// Settings returns the current settings
func (a *AtomicSettings) Settings() Settings {
	if s := a.v.Load(); s != nil {
		return *s
	}
	return DefaultSettings()
}

// Store replaces the current settings
func (a *AtomicSettings) Store(s Settings) {
	a.v.Store(&s)
}

// Update applies fn to a copy of the current settings and stores the result
func (a *AtomicSettings) Update(fn func(*Settings)) Settings {
	for {
		old := a.v.Load()
		next := DefaultSettings()
		if old != nil {
			next = *old
		}
		fn(&next)
		if a.v.CompareAndSwap(old, &next) {
			return next
		}
	}
}
