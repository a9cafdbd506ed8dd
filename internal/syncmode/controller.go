// Package syncmode enforces the development mode's read-only semantics and
// source-of-truth selection.
package syncmode

import (
	"github.com/uisync/uisync/internal/config"
)

// Controller answers which side may be edited and where changes flow under
// the configured mode.
type Controller struct {
	mode config.Mode
	pair config.Pair
}

// New returns a controller for the given mode and pair.
func New(mode config.Mode, pair config.Pair) *Controller {
	return &Controller{mode: mode, pair: pair}
}

// Mode returns the configured mode.
func (c *Controller) Mode() config.Mode { return c.mode }

// IsReadOnly reports whether sources tagged framework are generated output
// under the current mode. Change events for a read-only side are skipped.
func (c *Controller) IsReadOnly(framework string) bool {
	switch c.mode {
	case config.ModeAFirst:
		return framework == c.pair.B.Tag
	case config.ModeBFirst:
		return framework == c.pair.A.Tag
	}
	return false
}

// AuthoritativeTag names the writable side in single-source modes, or ""
// in universal mode where both sides are authoritative.
func (c *Controller) AuthoritativeTag() string {
	switch c.mode {
	case config.ModeAFirst:
		return c.pair.A.Tag
	case config.ModeBFirst:
		return c.pair.B.Tag
	}
	return ""
}

// TargetFramework returns the side regenerated from changes on source.
func (c *Controller) TargetFramework(source string) config.Framework {
	return c.pair.Other(source)
}

// ConflictDetectionEnabled reports whether simultaneous-edit detection
// applies. Only universal mode has two writable sides to conflict.
func (c *Controller) ConflictDetectionEnabled() bool {
	return c.mode == config.ModeUniversal
}
