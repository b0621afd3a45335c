package config

import (
	"bytes"
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/selfupdate"
	"github.com/3leaps/supdate/internal/trust"
	"github.com/3leaps/supdate/internal/verify"
)

// ProcessDeps are the collaborators Process needs.
type ProcessDeps struct {
	FS       afero.Fs
	Oracle   trust.Oracle
	SelfPath string
	Logger   zerolog.Logger
	// Sleep waits for the configured delay. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Process runs the startup steps that follow loading: the updater's own
// trust checks, adoption of the signer's public key token, culture
// defaulting, the configured delay, and removal of a stale in-use file.
// Only a strict self-check failure or cancellation during the delay is
// returned as an error.
func (c *Configuration) Process(ctx context.Context, deps ProcessDeps) error {
	logger := deps.Logger
	fs := deps.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}

	gate := trust.NewGate(fs, deps.Oracle, c.TrustPolicy(), logger)
	res, err := gate.CheckSelf(ctx, deps.SelfPath)
	if err != nil {
		return err
	}
	// Only a passing oracle marks a dimension signed. A check that was not
	// run counts as passed only through the matching no* override.
	c.AuthenticodeSigned = res.AuthenticodeSigned
	c.StrongNameSigned = res.StrongNameSigned
	if c.NoAuthenticodeSigned && !c.AuthenticodeSigned {
		logger.Warn().Msg("Self signature check disabled with signature absent or untrusted")
	}
	if c.NoStrongNameSigned && !c.StrongNameSigned {
		logger.Warn().Msg("Self identity check disabled with identity absent or unverified")
	}

	if len(res.PublicKeyToken) > 0 && !isDefaultToken(res.PublicKeyToken) && isDefaultToken(c.PublicKeyToken) {
		logger.Info().Str("token", verify.FormatHex(res.PublicKeyToken)).Msg("Using non-default public key token")
		c.PublicKeyToken = res.PublicKeyToken
	}

	if c.Culture == "" {
		c.Culture = model.InvariantCulture
	}

	logger.Debug().Object("config", c).Str("self", deps.SelfPath).Msg("Configuration processed")
	if c.WhatIf {
		logger.Info().Msg("No changes will be made because what-if mode is enabled")
	}

	if c.Delay >= 0 {
		sleep := deps.Sleep
		if sleep == nil {
			sleep = sleepContext
		}
		d := time.Duration(c.Delay) * time.Millisecond
		logger.Debug().Dur("delay", d).Msg("Sleeping before touching files")
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}

	if err := selfupdate.DeleteInUse(fs, deps.SelfPath, c.WhatIf, logger); err != nil {
		logger.Warn().Err(err).Msg("Could not delete in-use file")
	}
	return nil
}

func isDefaultToken(token []byte) bool {
	def, err := verify.ParseToken(DefaultPublicKeyToken)
	if err != nil {
		return false
	}
	return bytes.Equal(token, def)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
