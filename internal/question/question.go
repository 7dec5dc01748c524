package question

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// OptionCount is the number of options every question carries.
const OptionCount = 4

type Operator string

const (
	OpAdd      Operator = "+"
	OpSubtract Operator = "-"
	OpMultiply Operator = "*"
)

var operators = []Operator{OpAdd, OpSubtract, OpMultiply}

// Question is immutable once generated. The correct index never leaves the
// server in JSON form.
type Question struct {
	ID           int    `json:"id"`
	Prompt       string `json:"question"`
	Options      []int  `json:"options"`
	CorrectIndex int    `json:"-"`
}

// Answer returns the correct value.
func (q Question) Answer() int {
	return q.Options[q.CorrectIndex]
}

// Check reports whether index points at the correct option.
func (q Question) Check(index int) bool {
	return index == q.CorrectIndex
}

// ValidIndex reports whether index addresses one of the options.
func (q Question) ValidIndex(index int) bool {
	return index >= 0 && index < len(q.Options)
}

type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGenerator returns a generator seeded with seed. A zero seed uses the clock.
func NewGenerator(seed uint64) *Generator {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Generator{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Generate builds one arithmetic question with four distinct positive options.
func (g *Generator) Generate(id int) Question {
	g.mu.Lock()
	defer g.mu.Unlock()

	op := operators[g.rnd.IntN(len(operators))]

	var a, b, correct int
	switch op {
	case OpAdd:
		a = g.rnd.IntN(100) + 1
		b = g.rnd.IntN(100) + 1
		correct = a + b
	case OpSubtract:
		a = g.rnd.IntN(100) + 50
		b = g.rnd.IntN(49) + 1
		correct = a - b
	case OpMultiply:
		a = g.rnd.IntN(12) + 1
		b = g.rnd.IntN(12) + 1
		correct = a * b
	}

	options := make([]int, 0, OptionCount)
	options = append(options, correct)
	for len(options) < OptionCount {
		// offset in [-10, 10] without 0
		offset := g.rnd.IntN(20) - 10
		if offset >= 0 {
			offset++
		}
		wrong := correct + offset
		if wrong <= 0 || contains(options, wrong) {
			continue
		}
		options = append(options, wrong)
	}

	g.rnd.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})

	correctIndex := 0
	for i, v := range options {
		if v == correct {
			correctIndex = i
			break
		}
	}

	return Question{
		ID:           id,
		Prompt:       fmt.Sprintf("%d %s %d = ?", a, op, b),
		Options:      options,
		CorrectIndex: correctIndex,
	}
}

// Sequence returns n independent questions numbered 1..n.
func (g *Generator) Sequence(n int) []Question {
	qs := make([]Question, 0, n)
	for i := 1; i <= n; i++ {
		qs = append(qs, g.Generate(i))
	}
	return qs
}

func contains(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
