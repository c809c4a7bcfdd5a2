// Package storage is the relational persistence layer for attendance events.
//
// All access goes through Pool, which bounds concurrent connections and
// guarantees release on every exit path. Store layers the event, response,
// roster, settings and delivery-record queries on top of it.
package storage
