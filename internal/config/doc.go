// Package config loads the ChainTrader runtime configuration from a JSON
// file, optional .env files and environment variables, and fills in
// defaults relative to the configuration file's directory.
package config
