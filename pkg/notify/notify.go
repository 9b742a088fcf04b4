// Package notify defines the outbound notification contract to the chat
// layer. Delivery is fire-and-forget: a notifier failure must never affect
// session state.
package notify

import (
	"context"
	"sync"

	"legba/pkg/logx"
	"legba/pkg/session"
)

// Notifier emits a lifecycle event to the chat layer. Implementations are
// external platform adapters; in-repo implementations exist for logging
// and for tests.
type Notifier interface {
	Notify(ctx context.Context, chat session.ChatContext, sessionID string, state session.State, message string)
}

// LogNotifier writes notifications to the log. Useful as a default sink
// when no chat adapter is wired.
type LogNotifier struct {
	logger *logx.Logger
}

// NewLogNotifier creates a logging notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logx.NewLogger("notify")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, chat session.ChatContext, sessionID string, state session.State, message string) {
	n.logger.WithSession(sessionID).Info("[%s %s -> user %s] %s: %s",
		chat.Platform, chat.ChannelID, chat.UserID, state, message)
}

// Notification is one recorded delivery.
type Notification struct {
	Chat      session.ChatContext
	SessionID string
	State     session.State
	Message   string
}

// Recorder captures notifications for tests.
type Recorder struct {
	mu    sync.Mutex
	calls []Notification
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, chat session.ChatContext, sessionID string, state session.State, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Notification{Chat: chat, SessionID: sessionID, State: state, Message: message})
}

// Calls returns a copy of all recorded notifications.
func (r *Recorder) Calls() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification{}, r.calls...)
}

// CallsFor returns recorded notifications for one session.
func (r *Recorder) CallsFor(sessionID string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Notification
	for _, c := range r.calls {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}
