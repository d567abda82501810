// Package influxdb records experiment history as InfluxDB time series.
//
// Recorder is an experiment.Recorder: each run transition is written as a
// run_state point and each safety round as one safety_check point per test.
// Writes are batched by the client (batch_size, flush_interval in
// config.yaml) and never block the supervisor; asynchronous failures are
// reported through SetOnError.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sup := experiment.New(experiment.Config{
//	    Name:     "focus-scan",
//	    Recorder: influxdb.NewRecorder(client),
//	})
package influxdb
