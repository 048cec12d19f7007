package voltgrid

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
)

// Reactor is a user-defined unit that registers its reactions during Setup.
// Install runs Setup exactly once, before the plant starts.
type Reactor interface {
	Setup(env *Environment) error
}

// Environment is what a reactor sees of the plant: the bind and emit
// surface plus a named logger. Passed explicitly — there is no hidden
// global to reach the plant through.
type Environment struct {
	plant *PowerPlant
	name  string
	log   *slog.Logger
}

func newEnvironment(p *PowerPlant, r Reactor) *Environment {
	name := reflect.TypeOf(r).String()
	if t := reflect.TypeOf(r); t.Kind() == reflect.Pointer {
		name = t.Elem().Name()
	}
	return &Environment{
		plant: p,
		name:  name,
		log:   p.log.With("reactor", name),
	}
}

// Plant exposes the owning power plant.
func (e *Environment) Plant() *PowerPlant { return e.plant }

// Name is the reactor's human identifier.
func (e *Environment) Name() string { return e.name }

// Log is the reactor-scoped structured logger.
func (e *Environment) Log() *slog.Logger { return e.log }

// Logf logs at the given level and, when anyone is listening, emits a
// LogMessage event carrying the rendered line.
func (e *Environment) Logf(level LogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.log.Log(context.Background(), level.slogLevel(), msg)
	e.plant.emitLog(LogMessage{Level: level, Message: msg})
}
