// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package debug

import (
	"strings"
	"sync"
	"time"
)

// DefaultOutputLimit bounds the number of retained output lines.
const DefaultOutputLimit = 10000

// Output categories.
const (
	CategoryStdout  = "stdout"
	CategoryStderr  = "stderr"
	CategoryConsole = "console"
)

// OutputLine is one line of program output.
type OutputLine struct {
	Number    int       `json:"line_number"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// OutputPage is a window of the output buffer.
type OutputPage struct {
	Lines   []OutputLine `json:"lines"`
	Offset  int          `json:"offset"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
}

// outputBuffer keeps the most recent lines. Line numbers keep counting when
// old lines are dropped, so offsets stay stable. The backing slice grows to
// twice the limit before the oldest lines are compacted away, so trimming
// costs O(1) per appended line.
type outputBuffer struct {
	mu    sync.RWMutex
	lines []OutputLine
	next  int
	limit int
}

func newOutputBuffer(limit int) *outputBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &outputBuffer{limit: limit}
}

// append splits text into lines. A trailing newline does not produce an
// empty line.
func (b *outputBuffer) append(category, text string) {
	if text == "" {
		return
	}
	if category == "" {
		category = CategoryConsole
	}
	parts := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range parts {
		b.lines = append(b.lines, OutputLine{
			Number:    b.next,
			Category:  category,
			Content:   strings.TrimSuffix(p, "\r"),
			Timestamp: now,
		})
		b.next++
	}
	if len(b.lines) >= 2*b.limit {
		n := copy(b.lines, b.lines[len(b.lines)-b.limit:])
		clear(b.lines[n:])
		b.lines = b.lines[:n]
	}
}

// retained returns the lines within the limit. Callers hold b.mu.
func (b *outputBuffer) retained() []OutputLine {
	if over := len(b.lines) - b.limit; over > 0 {
		return b.lines[over:]
	}
	return b.lines
}

// page returns up to limit lines starting at line number offset. Offsets
// before the oldest retained line start at the oldest line.
func (b *outputBuffer) page(offset, limit int) OutputPage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	page := OutputPage{Lines: []OutputLine{}, Offset: offset, Total: b.next}
	lines := b.retained()
	if len(lines) == 0 {
		return page
	}
	if limit <= 0 {
		page.HasMore = offset < b.next
		return page
	}

	start := offset - lines[0].Number
	if start < 0 {
		start = 0
	}
	if start >= len(lines) {
		return page
	}
	end := min(start+limit, len(lines))
	page.Lines = append(page.Lines, lines[start:end]...)
	page.HasMore = end < len(lines)
	return page
}

func (b *outputBuffer) total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next
}
