package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/nerrad567/benchrig/internal/infrastructure/mqtt"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print experiment events from the MQTT broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg.MQTT
			cfg.Broker.ClientID = fmt.Sprintf("%s-watch-%d", cfg.Broker.ClientID, os.Getpid())

			client, err := mqtt.Connect(cfg)
			if err != nil {
				return err
			}
			defer client.Close()
			client.SetLogger(a.log.Component("mqtt"))

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			err = client.Subscribe(mqtt.Topics{}.AllExperimentEvents(), byte(cfg.QoS),
				func(topic string, payload []byte) error {
					mu.Lock()
					defer mu.Unlock()
					_, err := fmt.Fprintf(out, "%s %s\n", topic, payload)
					return err
				})
			if err != nil {
				return err
			}

			<-cmd.Context().Done()
			return nil
		},
	}
}
