package workqueue

import "sync"

// ConcurrencyStrategy decides when a task in each lane may start.
// LLM tasks call model endpoints; data tasks only touch databases.
type ConcurrencyStrategy interface {
	CanStartLLM() bool
	CanStartData() bool
	OnStartLLM()
	OnStartData()
	OnCompleteLLM()
	OnCompleteData()
}

// lanes counts running tasks per lane. A limit of 0 means unlimited.
type lanes struct {
	mu        sync.Mutex
	llmLimit  int
	dataLimit int
	llm       int
	data      int
}

func (l *lanes) CanStartLLM() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.llmLimit == 0 || l.llm < l.llmLimit
}

func (l *lanes) CanStartData() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dataLimit == 0 || l.data < l.dataLimit
}

func (l *lanes) OnStartLLM() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.llm++
}

func (l *lanes) OnStartData() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data++
}

func (l *lanes) OnCompleteLLM() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.llm > 0 {
		l.llm--
	}
}

func (l *lanes) OnCompleteData() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.data > 0 {
		l.data--
	}
}

// SerializedStrategy runs at most one LLM task and one data task at a time.
type SerializedStrategy struct{ lanes }

// NewSerializedStrategy creates the default strategy.
func NewSerializedStrategy() *SerializedStrategy {
	return &SerializedStrategy{lanes{llmLimit: 1, dataLimit: 1}}
}

// ParallelLLMStrategy allows unlimited LLM tasks and serializes data tasks.
type ParallelLLMStrategy struct{ lanes }

func NewParallelLLMStrategy() *ParallelLLMStrategy {
	return &ParallelLLMStrategy{lanes{dataLimit: 1}}
}

// ThrottledLLMStrategy allows up to maxConcurrent LLM tasks and serializes data tasks.
// Use it to stay under an embedding endpoint's rate limit.
type ThrottledLLMStrategy struct{ lanes }

func NewThrottledLLMStrategy(maxConcurrent int) *ThrottledLLMStrategy {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ThrottledLLMStrategy{lanes{llmLimit: maxConcurrent, dataLimit: 1}}
}
