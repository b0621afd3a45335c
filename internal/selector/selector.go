// Package selector picks the release a configuration should move to.
package selector

import (
	"github.com/3leaps/supdate/internal/config"
	"github.com/3leaps/supdate/internal/manifest"
	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/pkg/update"
)

// Find looks up the release keyed by cfg and returns it only when every
// requested predicate holds. Predicates that are not requested are ignored.
func Find(cfg *config.Configuration, releases map[manifest.Key]*manifest.Release, valid, equal, greater bool) *manifest.Release {
	if cfg == nil || releases == nil {
		return nil
	}
	return find(manifest.KeyFor(cfg), cfg, releases, valid, equal, greater)
}

// FindSelf is Find for the updater's own release line.
func FindSelf(cfg *config.Configuration, releases map[manifest.Key]*manifest.Release, valid, equal, greater bool) *manifest.Release {
	if cfg == nil || releases == nil {
		return nil
	}
	key := manifest.NewKey(model.ProtocolSelf, cfg.Name, cfg.Culture)
	return find(key, cfg, releases, valid, equal, greater)
}

func find(key manifest.Key, cfg *config.Configuration, releases map[manifest.Key]*manifest.Release, valid, equal, greater bool) *manifest.Release {
	r, ok := releases[key]
	if !ok || r == nil {
		return nil
	}
	if valid && !r.IsValid() {
		return nil
	}
	if equal && !r.IsEqual(cfg) {
		return nil
	}
	if greater && !r.IsGreater(cfg) {
		return nil
	}
	return r
}

// Best returns the candidate the pipeline considers: a newer self-updater
// release when the feed carries one for this configuration, else the
// configured protocol's release. The fallback is returned without a
// predicate; the caller judges it.
func Best(cfg *config.Configuration, res *manifest.Result) *manifest.Release {
	if res == nil {
		return nil
	}
	if r := FindSelf(cfg, res.Releases, false, false, true); r != nil {
		return r
	}
	return Find(cfg, res.Releases, false, false, false)
}

// Decide classifies a candidate for display and exit status.
func Decide(cfg *config.Configuration, r *manifest.Release) (update.Decision, string) {
	if r == nil {
		return update.DecisionSkip, "No matching release in the manifest."
	}
	if !r.IsValid() {
		return update.DecisionUnknown, "Release " + r.String() + " is incomplete."
	}
	return update.Decide(cfg.PatchLevel, r.PatchLevel, cfg.Force)
}
