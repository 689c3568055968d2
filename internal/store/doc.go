// Package store persists conversation transcripts.
//
// # Drivers
//
// NewStore selects a driver:
//
//   - TypeMemory: a map, lost on exit
//   - TypeSQLite: modernc.org/sqlite, one row per thread and per message
//   - TypeRedis: go-redis, one JSON value per thread with a TTL and a sorted
//     set indexing update times
//
// Example:
//
//	st, err := store.NewStore(store.TypeSQLite, store.WithSQLitePath(path))
//	sess := conversation.New(api, conversation.WithRecorder(st))
//
// Every Store is a conversation.Recorder, so a session saves its
// server-confirmed log after each successful start or send.
package store
