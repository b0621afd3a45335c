package selfupdate

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// DeleteInUse removes a stale in-use copy of self left behind by an earlier
// run. A missing file is not an error. With whatIf the decision is only
// logged.
func DeleteInUse(fs afero.Fs, self string, whatIf bool, logger zerolog.Logger) error {
	inUse := InUsePath(self)
	if inUse == "" {
		return nil
	}
	logger.Trace().Str("file", inUse).Msg("In-use file")

	exists, err := afero.Exists(fs, inUse)
	if err != nil {
		return fmt.Errorf("stat in-use file %s: %w", inUse, err)
	}
	if !exists {
		logger.Trace().Str("file", inUse).Msg("In-use file does not exist")
		return nil
	}
	if whatIf {
		logger.Info().Str("file", inUse).Msg("Skipped deleting in-use file (what-if)")
		return nil
	}
	if err := fs.Remove(inUse); err != nil {
		return fmt.Errorf("delete in-use file %s: %w", inUse, err)
	}
	logger.Debug().Str("file", inUse).Msg("In-use file deleted")
	return nil
}
