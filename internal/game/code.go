package game

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// GameCodeLength is the fixed length of persisted game codes.
const GameCodeLength = 6

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	codeMu  sync.Mutex
	codeRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NewGameCode returns a 6-character uppercase alphanumeric code. Uniqueness
// among live sessions is the caller's responsibility (retry on collision).
func NewGameCode() string {
	var b strings.Builder
	b.Grow(GameCodeLength)
	codeMu.Lock()
	for i := 0; i < GameCodeLength; i++ {
		b.WriteByte(codeAlphabet[codeRnd.Intn(len(codeAlphabet))])
	}
	codeMu.Unlock()
	return b.String()
}
