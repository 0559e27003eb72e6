package chat

import (
	"iter"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Project yields the messages of seq that belong to the conversation key,
// as seen by the user self, in the order seq yields them. The zero key
// yields nothing. Project is lazy: it reads seq only while iterated.
func Project(seq iter.Seq[models.Message], self int64, key models.ConversationKey) iter.Seq[models.Message] {
	return func(yield func(models.Message) bool) {
		if key.IsZero() || seq == nil {
			return
		}

		for m := range seq {
			if !key.Contains(m, self) {
				continue
			}

			if !yield(m) {
				return
			}
		}
	}
}
