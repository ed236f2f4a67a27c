// Package relay implements the message relay server: it accepts line
// connections, runs the registration handshake, keeps the registry of live
// clients, caches their last reported status and routes command requests to
// their targets and command responses back to the issuer.
package relay
