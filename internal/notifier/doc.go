// Package notifier delivers monitoring and change notifications.
//
// Notify validates and deduplicates a Notification and puts it on a bounded
// queue. Workers take jobs off the queue, wait on a token bucket, render the
// text for the host's markup and send it through a transport.Sender, retrying
// with jittered exponential backoff. Every attempt outcome is appended to the
// notification history (memory, plus storage when configured).
//
// # Dedup
//
// Identical notifications (same kind, level, title, text and target) inside
// DedupWindow are dropped. With PersistDedup the suppression window survives
// restarts through storage.
//
// # Builders
//
// MonitoringNotification, ChangeNotification and SystemNotification build
// the three kinds of notification prodmon emits.
package notifier
