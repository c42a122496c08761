// Package mqtt exports agent lifecycle events to an MQTT broker.
//
// The publisher subscribes to the in-process event bus and republishes
// every event as JSON on <prefix>/events/<source>/<kind>. It also keeps
// a running daily usage summary, published retained on <prefix>/usage
// whenever a run ends, so dashboards that connect late still see
// current totals.
//
// Connection management uses Eclipse Paho v2's [autopaho] package with
// automatic reconnection. On every (re-)connect the publisher sends a
// retained birth message ("online") to <prefix>/availability. A will
// message moves the availability topic to "offline" on unexpected
// disconnects.
package mqtt
