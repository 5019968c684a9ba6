package notify

// Package notify delivers fire-and-forget task and batch events. Delivery
// failures are logged and never reach the task that produced the event.
