// voltgridd runs a power plant as a standalone daemon: useful as a mesh
// peer, a smoke-test target, and a reference for embedding the runtime.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/voltgrid/voltgrid"
	"github.com/voltgrid/voltgrid/config"
	"github.com/voltgrid/voltgrid/extension/firehose"
	"github.com/voltgrid/voltgrid/extension/inspect"
)

func main() {
	app := &cli.App{
		Name:  "voltgridd",
		Usage: "Reactive runtime daemon",
		Commands: []*cli.Command{
			serverCmd(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the power plant",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config_file"))
			if err != nil {
				return err
			}

			plant, err := voltgrid.New(voltgrid.Config{
				ThreadCount:     cfg.ThreadCount,
				DefaultLogLevel: voltgrid.ParseLogLevel(cfg.LogLevel),
			})
			if err != nil {
				return err
			}
			log := plant.Log()

			if cfg.Inspect.Enabled {
				if err := plant.Install(inspect.New(cfg.Inspect.Addr)); err != nil {
					return err
				}
			}

			hose, sub := firehose.NewInProcess(log)
			if err := plant.Install(hose); err != nil {
				return err
			}
			defer sub.Close()

			if err := plant.Install(&heartbeat{}); err != nil {
				return err
			}

			if cfg.Network.MulticastGroup != "" {
				voltgrid.EmitInit(plant, voltgrid.NetworkConfiguration{
					Name:           cfg.Network.Name,
					MulticastGroup: cfg.Network.MulticastGroup,
					MulticastPort:  cfg.Network.MulticastPort,
					MTU:            cfg.Network.MTU,
				})
			}

			// Live reconfiguration: a config file edit re-emits the
			// network configuration, which resets the mesh.
			if path := c.String("config_file"); path != "" {
				stop, err := config.Watch(path, log, func(next *config.Config) {
					voltgrid.Emit(plant, voltgrid.NetworkConfiguration{
						Name:           next.Network.Name,
						MulticastGroup: next.Network.MulticastGroup,
						MulticastPort:  next.Network.MulticastPort,
						MTU:            next.Network.MTU,
					})
				})
				if err != nil {
					return err
				}
				defer stop()
			}

			stopSig := make(chan os.Signal, 1)
			signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-stopSig
				log.Info("shutting down")
				plant.Shutdown()
			}()

			return plant.Start()
		},
	}
}
