package session

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// TranscriptionAggregator joins speech transcription fragments into one
// utterance. A fragment arriving more than window after the previous one, or
// while no turn is open, starts a new utterance.
type TranscriptionAggregator struct {
	window time.Duration
	raw    strings.Builder
	last   time.Time
	open   bool
}

func NewTranscriptionAggregator(window time.Duration) *TranscriptionAggregator {
	if window <= 0 {
		window = DefaultTuning().TurnWindow
	}
	return &TranscriptionAggregator{window: window}
}

// Fragment records text received at now and returns the utterance so far and
// whether this fragment started a new turn. Blank fragments add no text but
// still count as speech activity for the window.
func (a *TranscriptionAggregator) Fragment(text string, now time.Time) (utterance string, isNewTurn, accepted bool) {
	if strings.TrimSpace(text) == "" {
		a.last = now
		return a.Text(), false, false
	}
	if !a.open || now.Sub(a.last) > a.window {
		a.raw.Reset()
		a.raw.WriteString(text)
		a.open = true
		isNewTurn = true
	} else {
		appendFragment(&a.raw, text)
	}
	a.last = now
	return a.Text(), isNewTurn, true
}

// StartTurn seeds a new utterance from typed text.
func (a *TranscriptionAggregator) StartTurn(text string, now time.Time) {
	a.raw.Reset()
	a.raw.WriteString(text)
	a.open = true
	a.last = now
}

func (a *TranscriptionAggregator) Text() string {
	return strings.Join(strings.Fields(a.raw.String()), " ")
}

func (a *TranscriptionAggregator) Open() bool { return a.open }

// Complete closes the open turn and returns its text.
func (a *TranscriptionAggregator) Complete() string {
	out := a.Text()
	a.raw.Reset()
	a.open = false
	return out
}

func appendFragment(b *strings.Builder, text string) {
	cur := b.String()
	if cur != "" {
		lastRune, _ := utf8.DecodeLastRuneInString(cur)
		firstRune, _ := utf8.DecodeRuneInString(text)
		if !unicode.IsSpace(lastRune) && !unicode.IsSpace(firstRune) {
			b.WriteByte(' ')
		}
	}
	b.WriteString(text)
}
