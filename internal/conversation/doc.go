// Package conversation keeps the client side of a chat with the Agent API.
//
// # Overview
//
// A Session owns the thread id, the message log and the pending flag of one
// conversation. The presentation layer never mutates them; it reads State
// snapshots and dispatches intents:
//
//	sess := conversation.New(apiClient, conversation.WithStreaming(true))
//	if err := sess.Start(ctx); err != nil { ... }
//	err := sess.SendMessage(ctx, "Busco un SUV familiar")
//	sess.Reset()
//
// # Sends
//
// A send appends the user message right away. In streaming mode an empty
// agent placeholder with Streaming set follows it. The reply is then applied:
//
//   - JSON with a messages array: the array replaces the log
//   - JSON with a single message: the message is appended
//   - stream: progress records update State.Status, a complete record
//     replaces the placeholder with its messages, done ends the reply,
//     error fails the send
//
// Any failure restores the log as it was before the send. Sends while a
// request is pending are ignored.
//
// # Cancellation
//
// Reset cancels the in-flight request and bumps a generation counter. Work
// belonging to an older generation is dropped, so a late chunk from an
// abandoned stream never touches the reset session.
//
// # Widgets
//
// SelectWidget derives the quick-reply widget from the last message only and
// is recomputed for every snapshot.
//
// # Observers
//
// Subscribe returns a channel of State snapshots fed by a Broadcaster.
// Snapshots are dropped for subscribers that fall behind.
package conversation
