// Package mqtt exposes the agent to Home Assistant over MQTT. The
// agent appears as a native HA device: sensors report whether it is
// acting, whether idle movement is paused, and which backend model is
// active; buttons pause or resume movement, switch model, and reset the
// conversation.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery payloads, a birth
// message ("online") on the availability topic, and subscribes to the
// command topic. A will message moves availability to "offline" on
// unexpected disconnects. State is republished on a fixed interval and
// immediately after any agent event.
package mqtt
