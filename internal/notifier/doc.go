// Package notifier turns store items into outbound messages.
//
// Ingest persists a batch of items and broadcasts the new ones to every
// active recipient through the delivery dispatcher's broadcast queue.
// Welcome registers a chat and replays the currently running promotions to
// it as direct messages.
package notifier
