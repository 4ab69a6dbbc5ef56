// Package mqtt publishes device workflow step events to an MQTT broker
// so dashboards and other observers can follow a run as it happens.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic; a will message moves that topic to "offline" on
// unexpected disconnects. Each step logged by a run is published as a
// JSON document to <prefix>/runs/<run_id>/steps.
package mqtt
