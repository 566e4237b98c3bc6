// Package replay joins three read-only sources into one view: the
// durable message log, the wire log, and the vector index. Nothing here
// mutates any of them.
package replay

import (
	"context"
	"fmt"
	"strings"

	"github.com/RALaBarge/beigebox/pkg/store"
	"github.com/RALaBarge/beigebox/pkg/vector"
	"github.com/RALaBarge/beigebox/pkg/wirelog"
)

// Replay is a value type carrying the three handles. index may be nil;
// the semantic map is then unavailable.
type Replay struct {
	store    *store.Store
	wirePath string
	index    *vector.Index
}

// New builds a replay view.
func New(st *store.Store, wirePath string, index *vector.Index) Replay {
	return Replay{store: st, wirePath: wirePath, index: index}
}

// Transcript is one conversation with its correlated wire events.
type Transcript struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []store.Message `json:"messages"`
	Wire           []wirelog.Event `json:"wire_events,omitempty"`
}

// Conversation replays one conversation. Wire events are matched on the
// truncated conversation prefix the wire log records.
func (r Replay) Conversation(ctx context.Context, conversationID string) (*Transcript, error) {
	messages, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}

	t := &Transcript{ConversationID: conversationID, Messages: messages}

	events, err := wirelog.ReadAll(r.wirePath)
	if err != nil {
		// The transcript is still useful without wire context.
		return t, nil
	}
	prefix := wirelog.ConvPrefix(conversationID)
	for _, ev := range events {
		if ev.Conv == prefix {
			t.Wire = append(t.Wire, ev)
		}
	}
	return t, nil
}

// Topic is one cluster in the semantic map: a recent conversation with
// the semantically nearest conversations beside it.
type Topic struct {
	ConversationID string             `json:"conversation_id"`
	Label          string             `json:"label"`
	MessageCount   int                `json:"message_count"`
	Related        []vector.SearchHit `json:"related,omitempty"`
}

const labelMax = 80

// SemanticMap clusters the n most recent conversations by their opening
// user message. Each topic carries the best hit per nearby conversation
// from a grouped vector search.
func (r Replay) SemanticMap(ctx context.Context, n int) ([]Topic, error) {
	if r.index == nil {
		return nil, fmt.Errorf("vector index not configured")
	}
	recent, err := r.store.RecentConversations(ctx, n)
	if err != nil {
		return nil, err
	}

	topics := make([]Topic, 0, len(recent))
	for _, conv := range recent {
		messages, err := r.store.GetConversation(ctx, conv.ID)
		if err != nil {
			continue
		}
		label := firstUserContent(messages)
		if label == "" {
			continue
		}

		topic := Topic{
			ConversationID: conv.ID,
			Label:          truncateLabel(label),
			MessageCount:   conv.MessageCount,
		}
		if hits, err := r.index.SearchGrouped(ctx, label, 5); err == nil {
			for _, hit := range hits {
				if hit.ConversationID != conv.ID {
					topic.Related = append(topic.Related, hit)
				}
			}
		}
		topics = append(topics, topic)
	}
	return topics, nil
}

func firstUserContent(messages []store.Message) string {
	for _, m := range messages {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return ""
}

func truncateLabel(s string) string {
	s = strings.TrimSpace(s)
	if line := strings.IndexByte(s, '\n'); line >= 0 {
		s = s[:line]
	}
	if len(s) > labelMax {
		s = s[:labelMax] + "…"
	}
	return s
}
