package conversation

import (
	"math/rand/v2"
	"sync"
)

var sessionEmoji = []string{
	"🐶", "🐱", "🐭", "🐹", "🐰", "🦊", "🐻", "🐼", "🐨", "🐯",
	"🦁", "🐮", "🐷", "🐸", "🐵", "🐔", "🐧", "🐦", "🐤", "🦆",
	"🦉", "🦄", "🐝", "🐢", "🐙", "🦀", "🐠", "🐬", "🐳", "🦋",
}

// EmojiPicker hands out the decorative emoji tagged onto turn logs.
type EmojiPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewEmojiPicker uses src, or a randomly seeded PCG when src is nil.
func NewEmojiPicker(src rand.Source) *EmojiPicker {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &EmojiPicker{rng: rand.New(src)}
}

func (p *EmojiPicker) Pick() string {
	if p == nil {
		return sessionEmoji[0]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return sessionEmoji[p.rng.IntN(len(sessionEmoji))]
}
