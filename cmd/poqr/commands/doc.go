// Package commands defines the poqr CLI.
//
// Commands
//
//   - genkey     Create the relay identity and KEM keys
//   - relay      Run a relay and announce it to the directory
//   - directory  Run the HTTP relay directory
//   - send       Build a circuit, send one message and print the reply
//
// Every command reads the same TOML file given with --config; flags
// override individual settings.
package commands
