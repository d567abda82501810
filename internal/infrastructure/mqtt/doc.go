// Package mqtt publishes experiment events to an MQTT broker.
//
// Every state transition of a supervised run is published retained on
// benchrig/experiment/<name>/state and every safety round on
// benchrig/experiment/<name>/safety. The process announces itself on
// benchrig/system/status; a Last Will marks it offline if it dies without
// closing the connection.
//
//	broker ← benchrig supervisor
//	   ↓
//	dashboards, alerting, `benchrig watch`
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sup := experiment.New(experiment.Config{
//	    Name:     "focus-scan",
//	    Recorder: mqtt.NewEventRecorder(client),
//	})
//
// Connection loss is handled by paho's auto-reconnect; publishes made while
// disconnected fail with ErrNotConnected and the supervisor logs them.
package mqtt
