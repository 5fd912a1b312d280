package sink

import (
	"github.com/rs/zerolog/log"

	"github.com/shini4i/livedisplayd/internal/panel"
)

// DryRun logs command buffers instead of sending them.
type DryRun struct {
	Panel string
}

var _ panel.Sink = DryRun{}

// Send logs buf and always succeeds.
func (d DryRun) Send(buf panel.CommandBuffer) error {
	log.Info().
		Str("panel", d.Panel).
		Stringer("kind", buf.Kind).
		Int("commands", len(buf.Commands)).
		Stringer("buffer", buf).
		Msg("Dry run command buffer")
	return nil
}
