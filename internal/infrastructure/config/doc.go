// Package config loads the benchrig configuration.
//
// Values are resolved in order: Default, then the YAML file, then
// BENCHRIG_* environment variables, and the result is checked by Validate.
// LoadOrDefault treats a missing file as "use the defaults", so a bench PC
// can run a supervisor or a server without any file at all.
//
// The sections map onto the processes that read them:
//
//	server      address of the shared memory server (every process)
//	supervisor  output root, safety check interval, soft-kill grace
//	locks       default timeout of server-hosted mutexes and barriers
//	database    run history (SQLite)
//	mqtt        experiment event publishing
//	influxdb    run and safety telemetry
//	http        status API of "benchrig serve"
//	logging     level, format, output
//
// Broker passwords and InfluxDB tokens belong in the environment
// (BENCHRIG_MQTT_PASSWORD, BENCHRIG_INFLUXDB_TOKEN), not in the file.
//
// Usage:
//
//	cfg, err := config.LoadOrDefault("configs/benchrig.yaml")
//	if err != nil {
//	    return err
//	}
//	srv, err := shm.Start(ctx, shm.Config{Address: cfg.Server.Address()})
package config
