// Package notifier sends operator notifications about failed task runs.
//
// Notifications are small, high-signal messages. The service listens to run
// lifecycle events on the event bus, formats failures and hands them to a
// Sender (Telegram in production) through a bounded queue with a token-bucket
// rate limit, retries with backoff and a short dedup window so a task that
// fails every minute does not flood the chat.
package notifier
