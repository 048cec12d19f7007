package main

import (
	"time"

	"github.com/voltgrid/voltgrid"
)

// heartbeat keeps a visible pulse in the logs and reports mesh membership
// changes.
type heartbeat struct{}

func (h *heartbeat) Setup(env *voltgrid.Environment) error {
	voltgrid.Every(env, 30*time.Second, func() error {
		env.Logf(voltgrid.LevelDebug, "alive, %d reactions registered", len(env.Plant().Reactions()))
		return nil
	}, voltgrid.WithName("Heartbeat"), voltgrid.WithPriority(voltgrid.PriorityIdle))

	voltgrid.On(env, func(j voltgrid.NetworkJoin) error {
		env.Logf(voltgrid.LevelInfo, "peer joined: %s (%s)", j.Name, j.Address)
		return nil
	})

	voltgrid.On(env, func(l voltgrid.NetworkLeave) error {
		env.Logf(voltgrid.LevelInfo, "peer left: %s (%s)", l.Name, l.Address)
		return nil
	})

	return nil
}
