// Package loader brokers the handshake between streaming install sessions
// and their data loaders. It sequences manual loaders through create,
// start and image preparation, relays image-ready back into the session's
// commit flow, distinguishes transient loader outages from unrecoverable
// ones, and polices backing-storage health with bounded grace windows.
package loader
