package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var subscriptionCounter atomic.Int64

// router fans inbound envelopes out to topic and conversation handlers.
// Each backend client embeds one.
type router struct {
	mu            sync.RWMutex
	topics        map[string]map[int64]Handler
	conversations map[string]map[int64]Handler
	logger        *zap.Logger
}

func newRouter(logger *zap.Logger) *router {
	return &router{
		topics:        make(map[string]map[int64]Handler),
		conversations: make(map[string]map[int64]Handler),
		logger:        logger,
	}
}

// addTopic registers handler and reports whether it is the first for topic.
func (r *router) addTopic(topic string, h Handler) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := subscriptionCounter.Add(1)
	first := len(r.topics[topic]) == 0
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[int64]Handler)
	}
	r.topics[topic][id] = h
	return id, first
}

// removeTopic drops a handler and reports whether topic has none left.
func (r *router) removeTopic(topic string, id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	hs, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := hs[id]; !ok {
		return false
	}
	delete(hs, id)
	if len(hs) == 0 {
		delete(r.topics, topic)
		return true
	}
	return false
}

func (r *router) hasTopic(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic]) > 0
}

func (r *router) registerConversation(conversationID string, h Handler) (Subscription, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := subscriptionCounter.Add(1)
	if r.conversations[conversationID] == nil {
		r.conversations[conversationID] = make(map[int64]Handler)
	}
	r.conversations[conversationID][id] = h

	var once sync.Once
	return subscriptionFunc(func() error {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if hs, ok := r.conversations[conversationID]; ok {
				delete(hs, id)
				if len(hs) == 0 {
					delete(r.conversations, conversationID)
				}
			}
		})
		return nil
	}), nil
}

// dispatch runs every matching handler on its own goroutine. Handlers share
// env and must not mutate it.
func (r *router) dispatch(ctx context.Context, topic string, env *Envelope) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.topics[topic])+len(r.conversations[env.ConversationID]))
	for _, h := range r.topics[topic] {
		handlers = append(handlers, h)
	}
	for _, h := range r.conversations[env.ConversationID] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h := h
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("message handler panicked",
						zap.String("topic", topic),
						zap.String("conversation_id", env.ConversationID),
						zap.Any("recover", rec),
					)
				}
			}()
			h(ctx, env)
		}()
	}
}

// reset drops every handler.
func (r *router) reset() {
	r.mu.Lock()
	r.topics = make(map[string]map[int64]Handler)
	r.conversations = make(map[string]map[int64]Handler)
	r.mu.Unlock()
}
