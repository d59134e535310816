package stage

import (
	"strings"

	"github.com/115Studio/chat-backend/store"
)

// Accumulator folds updates into the ordered stage list of one message.
// It is not safe for concurrent use; the owning hub serializes access.
type Accumulator struct {
	order  []string
	stages map[string]*store.MessageStage
}

func NewAccumulator() *Accumulator {
	return &Accumulator{stages: map[string]*store.MessageStage{}}
}

// Apply merges u and reports whether the visible state changed. Text and
// reasoning deltas are appended and an empty delta is a no-op; every other
// type replaces the stage content.
func (a *Accumulator) Apply(u Update) bool {
	existing, ok := a.stages[u.ID]
	if u.Type.Appends() {
		if u.Content.Value == "" {
			return false
		}
		if ok {
			existing.Content.Value += u.Content.Value
			return true
		}
	}
	if !ok {
		a.order = append(a.order, u.ID)
		s := u.Stage()
		a.stages[u.ID] = &s
		return true
	}
	existing.Type = u.Type
	content := u.Content
	existing.Content = &content
	return true
}

// Snapshot returns a copy of the stages in first-seen order.
func (a *Accumulator) Snapshot() []store.MessageStage {
	list := make([]store.MessageStage, 0, len(a.order))
	for _, id := range a.order {
		s := *a.stages[id]
		if s.Content != nil {
			content := *s.Content
			s.Content = &content
		}
		list = append(list, s)
	}
	return list
}

func (a *Accumulator) Len() int {
	return len(a.order)
}

// Text concatenates the text stages.
func (a *Accumulator) Text() string {
	var b strings.Builder
	for _, id := range a.order {
		if s := a.stages[id]; s.Type == store.StageTypeText {
			b.WriteString(s.Text())
		}
	}
	return b.String()
}
