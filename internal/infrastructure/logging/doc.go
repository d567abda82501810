// Package logging builds the slog logger shared by every benchrig process.
//
// Each logger carries the service name, the build version and the process
// role, so lines from the supervisor, its worker and a standalone server can
// be told apart once they are collected in one place:
//
//	{"level":"WARN","msg":"safety test failed","service":"benchrig",
//	 "version":"1.2.0","role":"supervisor","pid":4242,"component":"safety","test":"coolant"}
//
// Component returns a child logger tagged with a component name; packages
// below internal/ take it through their own small Logger interface.
//
// Configured from the logging section:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// Log which broker user connected, never its password or token.
package logging
