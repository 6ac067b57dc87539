/*
Package config loads Conveyor's YAML configuration and provides the built-in
defaults: broker location, data directory, HTTP listen addresses, ingress
listener settings, validation policy, and the per-worker channel names and
invocation timeouts.

Quick workers (validation, metadata) default to 30 second timeouts; heavy
workers (text extraction, AI, media processing) default to 300 seconds.
*/
package config
