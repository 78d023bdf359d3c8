package partyline

import (
	"fmt"
	"log/slog"

	"github.com/casualjim/partyline/bus"
	"github.com/fogfish/opts"
)

// Option configures a Runtime at construction time.
type Option = opts.Option[Runtime]

// WithBus selects the fan-out substrate. Defaults to bus.Local().
func WithBus(b bus.Bus) Option {
	return opts.Type[Runtime](func(o *Runtime) error {
		if b == nil {
			return fmt.Errorf("bus cannot be nil")
		}
		o.bus = b
		return nil
	})
}

// WithLogger replaces the runtime's logger.
var WithLogger = opts.ForName[Runtime, *slog.Logger]("log")

// WithJoinEvent overrides the reserved event name that drives the join
// transition in DispatchInbound.
var WithJoinEvent = opts.ForName[Runtime, string]("joinEvent")

// WithLeaveEvent overrides the reserved event name that drives the leave
// transition in DispatchInbound.
var WithLeaveEvent = opts.ForName[Runtime, string]("leaveEvent")

func applyOptions(rt *Runtime, options []Option) error {
	return opts.Apply(rt, options)
}
