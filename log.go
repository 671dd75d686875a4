package dogpile

import (
	"os"

	"github.com/rs/zerolog"
)

// tracer emits debug-level breadcrumbs for a Lock's state
// transitions, mirroring the log.debug(...) calls the original
// Python dogpile.core logs at each branch of its state machine. A
// nil-safe no-op tracer is used unless a caller opts in.
type tracer struct {
	log zerolog.Logger
}

var nopTracer = &tracer{log: zerolog.Nop()}

// newTracer returns a tracer writing to os.Stderr at the given level,
// tagged with the given component name.
func newTracer(component string, level zerolog.Level) *tracer {
	logger := zerolog.New(os.Stderr).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
	return &tracer{log: logger}
}

func (t *tracer) debug(msg string) {
	if t == nil {
		return
	}
	t.log.Debug().Msg(msg)
}
